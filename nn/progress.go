package nn

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/accessatlas/accessatlas/layers"
)

// ProgressBar renders an in-place console progress line with elapsed
// time, ETA, rate and a trailing metric list.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a bar for total steps.
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       70,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the bar to step and replaces its metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics merges metrics without advancing progress.
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish fills the bar and moves to the next line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Println()
}

func (pb *ProgressBar) render() {
	percentage := float64(pb.current) / float64(pb.total)
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description, percentage*100, bar, pb.current, pb.total)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Metrics print in sorted key order so repeated runs line up.
	keys := make([]string, 0, len(pb.metrics))
	for key := range pb.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	line += "]"

	fmt.Print(line)
}

func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter renders compiled layer graphs in the
// familiar torch repr style, one named section per call.
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter names the model the sections belong to.
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintSection prints one branch of the model.
func (p *ModelArchitecturePrinter) PrintSection(section string, spec *layers.ModelSpec) {
	fmt.Printf("(%s): Sequential(\n", section)
	for _, layer := range spec.Layers {
		fmt.Printf("  %s\n", formatLayer(layer))
	}
	fmt.Printf(")\n")
}

// PrintHeader opens the model repr.
func (p *ModelArchitecturePrinter) PrintHeader() {
	fmt.Printf("Model Architecture:\n%s(\n", p.modelName)
}

// PrintFooter closes the repr and prints the parameter summary across
// every printed section.
func (p *ModelArchitecturePrinter) PrintFooter(totalParams int64) {
	fmt.Printf(")\n\n")
	fmt.Printf("Total parameters: %s\n", formatParameterCount(totalParams))
	fmt.Printf("Params size (MB): %.3f\n\n", float64(totalParams*4)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	params := layer.Parameters
	switch layer.Type {
	case layers.Conv2D:
		in := layers.GetIntParam(params, "input_channels", 0)
		out := layers.GetIntParam(params, "output_channels", 0)
		k := layers.GetIntParam(params, "kernel_size", 0)
		stride := layers.GetIntParam(params, "stride", 1)
		padding := layers.GetIntParam(params, "padding", 0)
		useBias := layers.GetBoolParam(params, "use_bias", true)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, in, out, k, k, stride, stride, padding, padding, useBias)
	case layers.Dense:
		in := layers.GetIntParam(params, "input_size", 0)
		out := layers.GetIntParam(params, "output_size", 0)
		useBias := layers.GetBoolParam(params, "use_bias", true)
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, in, out, useBias)
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.MaxPool2D:
		poolSize := layers.GetIntParam(params, "pool_size", 0)
		stride := layers.GetIntParam(params, "stride", poolSize)
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)", layer.Name, poolSize, stride)
	case layers.BatchNorm:
		numFeatures := layers.GetIntParam(params, "num_features", 0)
		if len(layer.InputShape) == 4 {
			return fmt.Sprintf("(%s): BatchNorm2d(%d)", layer.Name, numFeatures)
		}
		return fmt.Sprintf("(%s): BatchNorm1d(%d)", layer.Name, numFeatures)
	case layers.Dropout:
		rate := layers.GetFloatParam(params, "rate", 0)
		return fmt.Sprintf("(%s): Dropout(p=%.2f)", layer.Name, rate)
	case layers.GlobalAvgPool2D:
		return fmt.Sprintf("(%s): AdaptiveAvgPool2d(output_size=(1, 1))", layer.Name)
	case layers.Flatten:
		return fmt.Sprintf("(%s): Flatten()", layer.Name)
	case layers.Softmax:
		axis := layers.GetIntParam(params, "axis", -1)
		return fmt.Sprintf("(%s): Softmax(dim=%d)", layer.Name, axis)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
