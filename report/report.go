// Package report renders training and evaluation results into a
// self-contained HTML page of echarts visualizations: loss/accuracy
// curves, the learning-rate schedule, a confusion-matrix heatmap and
// per-class F1 bars.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"go.uber.org/zap"

	"github.com/accessatlas/accessatlas/eval"
	"github.com/accessatlas/accessatlas/train"
)

const (
	chartWidth  = "900px"
	chartHeight = "500px"
)

// Generate writes an HTML report to path. Training curves come from
// log, the confusion heatmap and F1 bars from metrics; nil sections
// are left out, but at least one must be present. Classes order the
// heatmap axes and must match the confusion matrix.
func Generate(path string, classes []string, log *train.TrainingLog, metrics *eval.Metrics, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if log == nil && metrics == nil {
		return fmt.Errorf("report needs a training log or evaluation metrics")
	}

	page := components.NewPage()
	page.PageTitle = "AccessAtlas Model Report"

	added := 0
	if log != nil {
		page.AddCharts(lossChart(log), accuracyChart(log), lrChart(log))
		added += 3
	}
	if metrics != nil {
		if len(metrics.ConfusionMatrix) > 0 && len(classes) == len(metrics.ConfusionMatrix) {
			page.AddCharts(confusionChart(classes, metrics.ConfusionMatrix))
			added++
		}
		if len(metrics.PerClass) > 0 {
			page.AddCharts(f1Chart(metrics))
			added++
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	logger.Info("Wrote HTML report",
		zap.String("path", path),
		zap.Int("charts", added))
	return nil
}

func epochLabels(history []train.EpochStats) []string {
	labels := make([]string, len(history))
	for i, e := range history {
		labels[i] = strconv.Itoa(e.Epoch)
	}
	return labels
}

func lossChart(log *train.TrainingLog) *charts.Line {
	trainLoss := make([]opts.LineData, len(log.TrainHistory))
	for i, e := range log.TrainHistory {
		trainLoss[i] = opts.LineData{Value: e.Loss}
	}
	valLoss := make([]opts.LineData, len(log.ValHistory))
	for i, e := range log.ValHistory {
		valLoss[i] = opts.LineData{Value: e.Loss}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Loss", Subtitle: "run " + log.RunID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
	)
	line.SetXAxis(epochLabels(log.TrainHistory)).
		AddSeries("train", trainLoss).
		AddSeries("val", valLoss)
	return line
}

func accuracyChart(log *train.TrainingLog) *charts.Line {
	trainAcc := make([]opts.LineData, len(log.TrainHistory))
	for i, e := range log.TrainHistory {
		trainAcc[i] = opts.LineData{Value: e.Accuracy}
	}
	valAcc := make([]opts.LineData, len(log.ValHistory))
	for i, e := range log.ValHistory {
		valAcc[i] = opts.LineData{Value: e.Accuracy}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Accuracy",
			Subtitle: fmt.Sprintf("best val %.2f%% after epoch %d", log.BestValAcc, log.FinalEpoch),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%"}),
	)
	line.SetXAxis(epochLabels(log.TrainHistory)).
		AddSeries("train", trainAcc).
		AddSeries("val", valAcc)
	return line
}

func lrChart(log *train.TrainingLog) *charts.Line {
	lrs := make([]opts.LineData, len(log.TrainHistory))
	for i, e := range log.TrainHistory {
		lrs[i] = opts.LineData{Value: e.LR}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Learning Rate"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
	)
	line.SetXAxis(epochLabels(log.TrainHistory)).
		AddSeries("lr", lrs)
	return line
}

// confusionChart renders the matrix with predicted classes across the
// X axis and true classes up the Y axis.
func confusionChart(classes []string, matrix [][]int) *charts.HeatMap {
	data := make([]opts.HeatMapData, 0, len(classes)*len(classes))
	maxCount := 1
	for t, row := range matrix {
		for p, n := range row {
			if n > maxCount {
				maxCount = n
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{p, t, n}})
		}
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Confusion Matrix", Subtitle: "rows: true class, columns: predicted"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			Data:      classes,
			Name:      "predicted",
			SplitArea: &opts.SplitArea{Show: opts.Bool(true)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Type:      "category",
			Data:      classes,
			Name:      "true",
			SplitArea: &opts.SplitArea{Show: opts.Bool(true)},
		}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCount),
			InRange:    &opts.VisualMapInRange{Color: []string{"#f6efa6", "#d88273", "#bf444c"}},
		}),
	)
	hm.AddSeries("confusion", data, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true)}))
	return hm
}

func f1Chart(metrics *eval.Metrics) *charts.Bar {
	classes := make([]string, 0, len(metrics.PerClass))
	for name := range metrics.PerClass {
		classes = append(classes, name)
	}
	sort.Strings(classes)

	bars := make([]opts.BarData, len(classes))
	for i, name := range classes {
		bars[i] = opts.BarData{Value: metrics.PerClass[name].F1}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Per-Class F1",
			Subtitle: fmt.Sprintf("macro F1 %.2f%%", metrics.MacroF1),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%"}),
	)
	bar.SetXAxis(classes).
		AddSeries("f1", bars, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	return bar
}
