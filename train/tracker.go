package train

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Tracker is an HTTP client for an experiment dashboard sidecar. It is
// strictly optional: a disabled tracker accepts every call and does
// nothing, so a run never depends on the dashboard being reachable.
type Tracker struct {
	baseURL       string
	httpClient    *http.Client
	enabled       bool
	retryAttempts int
	retryDelay    time.Duration
}

// TrackerConfig contains configuration for the tracker client
type TrackerConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultTrackerConfig returns default configuration for the tracker client
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// RunMetric is one point of run telemetry: the loss and accuracy of a
// single phase of a single epoch, tagged with the run identity.
type RunMetric struct {
	RunID        string    `json:"run_id"`
	Phase        string    `json:"phase"`
	Epoch        int       `json:"epoch"`
	Loss         float64   `json:"loss"`
	Accuracy     float64   `json:"accuracy"`
	LearningRate float64   `json:"learning_rate,omitempty"`
	BestValAcc   float64   `json:"best_val_acc,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TrackerResponse represents the response from the tracker service
type TrackerResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PlotID       string `json:"plot_id,omitempty"`
	ViewURL      string `json:"view_url,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// BatchTrackerResponse represents the response from the batch endpoint
type BatchTrackerResponse struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	BatchID      string       `json:"batch_id,omitempty"`
	DashboardURL string       `json:"dashboard_url,omitempty"`
	Summary      BatchSummary `json:"summary,omitempty"`
}

// BatchSummary represents the summary of a batch publish
type BatchSummary struct {
	TotalPlots int `json:"total_plots"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// NewTracker creates a new tracker client. The client starts disabled.
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		enabled:       false,
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
	}
}

// Enable enables the tracker
func (tk *Tracker) Enable() {
	tk.enabled = true
}

// Disable disables the tracker
func (tk *Tracker) Disable() {
	tk.enabled = false
}

// IsEnabled returns whether the tracker is enabled
func (tk *Tracker) IsEnabled() bool {
	return tk.enabled
}

// Publish sends a single run metric to the tracker service
func (tk *Tracker) Publish(metric RunMetric) (*TrackerResponse, error) {
	if !tk.enabled {
		return &TrackerResponse{
			Success: false,
			Message: "Tracker is disabled",
		}, nil
	}

	jsonData, err := json.Marshal(metric)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run metric: %w", err)
	}

	url := fmt.Sprintf("%s/api/plot", tk.baseURL)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "accessatlas-train")

	resp, err := tk.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var trackerResponse TrackerResponse
	if err := json.Unmarshal(respBody, &trackerResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &trackerResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, trackerResponse.Message)
	}

	return &trackerResponse, nil
}

// PublishWithRetry sends a run metric, retrying with a fixed delay
// between attempts.
func (tk *Tracker) PublishWithRetry(metric RunMetric) (*TrackerResponse, error) {
	if !tk.enabled {
		return &TrackerResponse{
			Success: false,
			Message: "Tracker is disabled",
		}, nil
	}

	var lastErr error

	for attempt := 0; attempt < tk.retryAttempts; attempt++ {
		resp, err := tk.Publish(metric)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		// Wait before retry (except for the last attempt)
		if attempt < tk.retryAttempts-1 {
			time.Sleep(tk.retryDelay)
		}
	}

	return nil, fmt.Errorf("failed to publish run metric after %d attempts: %w", tk.retryAttempts, lastErr)
}

// PublishBatch sends several run metrics in one request
func (tk *Tracker) PublishBatch(metrics []RunMetric) (*BatchTrackerResponse, error) {
	if !tk.enabled {
		return &BatchTrackerResponse{
			Success: false,
			Message: "Tracker is disabled",
		}, nil
	}

	batchPayload := map[string]interface{}{
		"plots": metrics,
		"batch": true,
	}

	jsonData, err := json.Marshal(batchPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch metrics: %w", err)
	}

	url := fmt.Sprintf("%s/api/batch-plot", tk.baseURL)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "accessatlas-train")

	resp, err := tk.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send batch HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch response body: %w", err)
	}

	var batchResponse BatchTrackerResponse
	if err := json.Unmarshal(respBody, &batchResponse); err != nil {
		return nil, fmt.Errorf("failed to parse batch response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &batchResponse, fmt.Errorf("batch HTTP request failed with status %d: %s", resp.StatusCode, batchResponse.Message)
	}

	return &batchResponse, nil
}

// CheckHealth checks if the tracker service is available
func (tk *Tracker) CheckHealth() error {
	if !tk.enabled {
		return fmt.Errorf("tracker is disabled")
	}

	url := fmt.Sprintf("%s/health", tk.baseURL)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := tk.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}
