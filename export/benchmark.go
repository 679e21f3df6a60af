package export

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/accessatlas/accessatlas/tensor"
)

// benchmarkWarmupRuns forward passes are discarded before timing
// starts.
const benchmarkWarmupRuns = 10

// BenchmarkStats aggregates batch-one forward latencies in
// milliseconds.
type BenchmarkStats struct {
	Runs     int     `json:"runs"`
	MeanMs   float64 `json:"mean_ms"`
	StdMs    float64 `json:"std_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	MedianMs float64 `json:"median_ms"`
}

// Benchmark times batch-one forward passes on synthetic inputs after a
// short warmup.
func (e *Exporter) Benchmark(numRuns int) (*BenchmarkStats, error) {
	if numRuns <= 0 {
		return nil, fmt.Errorf("benchmark needs at least one run, got %d", numRuns)
	}

	rng := rand.New(rand.NewSource(42))
	size := e.cfg.Model.ImageSize
	images, err := tensor.RandomNormal([]int{1, 3, size, size}, 0, 1, rng)
	if err != nil {
		return nil, err
	}
	lats, err := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{34.0007})
	if err != nil {
		return nil, err
	}
	lons, err := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{-81.0348})
	if err != nil {
		return nil, err
	}
	oneHot := make([]float32, e.model.NumSources())
	oneHot[0] = 1
	sources, err := tensor.NewTensor([]int{1, len(oneHot)}, tensor.Float32, oneHot)
	if err != nil {
		return nil, err
	}

	for i := 0; i < benchmarkWarmupRuns; i++ {
		if _, err := e.model.Forward(images, lats, lons, sources); err != nil {
			return nil, fmt.Errorf("warmup forward failed: %w", err)
		}
	}

	times := make([]float64, 0, numRuns)
	for i := 0; i < numRuns; i++ {
		start := time.Now()
		if _, err := e.model.Forward(images, lats, lons, sources); err != nil {
			return nil, fmt.Errorf("benchmark forward failed: %w", err)
		}
		times = append(times, time.Since(start).Seconds()*1000)
	}
	return aggregateTimes(times)
}

func aggregateTimes(times []float64) (*BenchmarkStats, error) {
	mean, err := stats.Mean(times)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate benchmark times: %w", err)
	}
	std, err := stats.StandardDeviation(times)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate benchmark times: %w", err)
	}
	median, err := stats.Median(times)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate benchmark times: %w", err)
	}
	minMs, err := stats.Min(times)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate benchmark times: %w", err)
	}
	maxMs, err := stats.Max(times)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate benchmark times: %w", err)
	}
	return &BenchmarkStats{
		Runs:     len(times),
		MeanMs:   mean,
		StdMs:    std,
		MinMs:    minMs,
		MaxMs:    maxMs,
		MedianMs: median,
	}, nil
}

// PrintBenchmark writes the latency summary to the console.
func PrintBenchmark(b *BenchmarkStats) {
	fmt.Printf("Inference benchmark (%d runs):\n", b.Runs)
	fmt.Printf("  Mean:   %.2f ms (+/- %.2f)\n", b.MeanMs, b.StdMs)
	fmt.Printf("  Median: %.2f ms\n", b.MedianMs)
	fmt.Printf("  Min:    %.2f ms\n", b.MinMs)
	fmt.Printf("  Max:    %.2f ms\n", b.MaxMs)
}
