package train

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestDefaultTrackerConfig tests the default configuration
func TestDefaultTrackerConfig(t *testing.T) {
	config := DefaultTrackerConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}

	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}

	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}

	if config.RetryDelay != 1*time.Second {
		t.Errorf("Expected retry delay 1s, got %v", config.RetryDelay)
	}
}

// TestNewTracker tests tracker creation
func TestNewTracker(t *testing.T) {
	config := TrackerConfig{
		BaseURL:       "http://test:9090",
		Timeout:       15 * time.Second,
		RetryAttempts: 5,
		RetryDelay:    2 * time.Second,
	}

	tk := NewTracker(config)

	if tk.baseURL != config.BaseURL {
		t.Errorf("Expected baseURL %s, got %s", config.BaseURL, tk.baseURL)
	}

	if tk.httpClient.Timeout != config.Timeout {
		t.Errorf("Expected timeout %v, got %v", config.Timeout, tk.httpClient.Timeout)
	}

	if tk.retryAttempts != 5 {
		t.Errorf("Expected retry attempts 5, got %d", tk.retryAttempts)
	}

	if tk.enabled {
		t.Error("Expected tracker to be disabled by default")
	}
}

// TestTrackerEnableDisable tests enable/disable functionality
func TestTrackerEnableDisable(t *testing.T) {
	tk := NewTracker(DefaultTrackerConfig())

	// Initially disabled
	if tk.IsEnabled() {
		t.Error("Tracker should be disabled initially")
	}

	tk.Enable()
	if !tk.IsEnabled() {
		t.Error("Tracker should be enabled after Enable()")
	}

	tk.Disable()
	if tk.IsEnabled() {
		t.Error("Tracker should be disabled after Disable()")
	}
}

// mockHTTPServer creates a test HTTP server for tracker tests
func mockHTTPServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(handler))
}

func testMetric() RunMetric {
	return RunMetric{
		RunID:     "run-123",
		Phase:     "train",
		Epoch:     3,
		Loss:      0.42,
		Accuracy:  87.5,
		Timestamp: time.Now(),
	}
}

// TestPublishDisabled tests behavior when the tracker is disabled
func TestPublishDisabled(t *testing.T) {
	tk := NewTracker(DefaultTrackerConfig())

	resp, err := tk.Publish(testMetric())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if resp.Success {
		t.Error("Expected success to be false when tracker is disabled")
	}

	if resp.Message != "Tracker is disabled" {
		t.Errorf("Expected disabled message, got: %s", resp.Message)
	}
}

// TestPublishSuccess tests successful metric publishing
func TestPublishSuccess(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST method, got %s", r.Method)
		}

		if r.URL.Path != "/api/plot" {
			t.Errorf("Expected path /api/plot, got %s", r.URL.Path)
		}

		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		if r.Header.Get("User-Agent") != "accessatlas-train" {
			t.Errorf("Expected User-Agent accessatlas-train, got %s", r.Header.Get("User-Agent"))
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("Failed to read request body: %v", err)
		}

		var received RunMetric
		if err := json.Unmarshal(body, &received); err != nil {
			t.Fatalf("Failed to unmarshal run metric: %v", err)
		}

		if received.RunID != "run-123" {
			t.Errorf("Expected run ID run-123, got %s", received.RunID)
		}

		if received.Phase != "train" {
			t.Errorf("Expected phase train, got %s", received.Phase)
		}

		if received.Epoch != 3 {
			t.Errorf("Expected epoch 3, got %d", received.Epoch)
		}

		response := TrackerResponse{
			Success: true,
			Message: "Metric recorded",
			PlotID:  "plot_123",
			ViewURL: "/view/123",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	})
	defer server.Close()

	config := DefaultTrackerConfig()
	config.BaseURL = server.URL
	tk := NewTracker(config)
	tk.Enable()

	resp, err := tk.Publish(testMetric())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !resp.Success {
		t.Error("Expected success to be true")
	}

	if resp.Message != "Metric recorded" {
		t.Errorf("Expected success message, got: %s", resp.Message)
	}

	if resp.PlotID != "plot_123" {
		t.Errorf("Expected plot ID plot_123, got %s", resp.PlotID)
	}
}

// TestPublishHTTPError tests handling of HTTP errors
func TestPublishHTTPError(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		response := TrackerResponse{
			Success:   false,
			Message:   "Server error occurred",
			ErrorCode: "INTERNAL_ERROR",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(response)
	})
	defer server.Close()

	config := DefaultTrackerConfig()
	config.BaseURL = server.URL
	tk := NewTracker(config)
	tk.Enable()

	resp, err := tk.Publish(testMetric())
	if err == nil {
		t.Error("Expected error for HTTP 500 status")
	}

	if resp.ErrorCode != "INTERNAL_ERROR" {
		t.Errorf("Expected error code INTERNAL_ERROR, got %s", resp.ErrorCode)
	}
}

// TestPublishWithRetrySuccess tests retry logic with eventual success
func TestPublishWithRetrySuccess(t *testing.T) {
	attemptCount := 0

	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		attemptCount++

		if attemptCount < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		response := TrackerResponse{
			Success: true,
			Message: "Metric recorded",
			PlotID:  "plot_retry",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	})
	defer server.Close()

	config := DefaultTrackerConfig()
	config.BaseURL = server.URL
	config.RetryDelay = 10 * time.Millisecond
	tk := NewTracker(config)
	tk.Enable()

	resp, err := tk.PublishWithRetry(testMetric())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if attemptCount != 2 {
		t.Errorf("Expected 2 attempts, got %d", attemptCount)
	}

	if resp.PlotID != "plot_retry" {
		t.Errorf("Expected plot ID plot_retry, got %s", resp.PlotID)
	}
}

// TestPublishWithRetryExhaustion tests retry logic when all attempts fail
func TestPublishWithRetryExhaustion(t *testing.T) {
	attemptCount := 0

	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer server.Close()

	config := DefaultTrackerConfig()
	config.BaseURL = server.URL
	config.RetryDelay = time.Millisecond
	tk := NewTracker(config)
	tk.Enable()

	_, err := tk.PublishWithRetry(testMetric())
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}

	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Expected exhaustion error, got: %v", err)
	}

	if attemptCount != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}
}

// TestPublishBatch tests the batch endpoint payload
func TestPublishBatch(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("Expected path /api/batch-plot, got %s", r.URL.Path)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("Failed to read request body: %v", err)
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("Failed to unmarshal batch payload: %v", err)
		}

		if batch, ok := payload["batch"].(bool); !ok || !batch {
			t.Error("Expected batch flag to be true")
		}

		plots, ok := payload["plots"].([]interface{})
		if !ok {
			t.Fatal("Expected plots array in payload")
		}
		if len(plots) != 2 {
			t.Errorf("Expected 2 plots, got %d", len(plots))
		}

		response := BatchTrackerResponse{
			Success: true,
			Message: "Batch recorded",
			BatchID: "batch_1",
			Summary: BatchSummary{TotalPlots: 2, Successful: 2, Failed: 0},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	})
	defer server.Close()

	config := DefaultTrackerConfig()
	config.BaseURL = server.URL
	tk := NewTracker(config)
	tk.Enable()

	train := testMetric()
	val := testMetric()
	val.Phase = "val"

	resp, err := tk.PublishBatch([]RunMetric{train, val})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !resp.Success {
		t.Error("Expected success to be true")
	}

	if resp.Summary.TotalPlots != 2 {
		t.Errorf("Expected summary total 2, got %d", resp.Summary.TotalPlots)
	}

	if resp.Summary.Successful != 2 {
		t.Errorf("Expected summary successful 2, got %d", resp.Summary.Successful)
	}
}

// TestCheckHealth tests the health check endpoint
func TestCheckHealth(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				t.Errorf("Expected path /health, got %s", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		})
		defer server.Close()

		config := DefaultTrackerConfig()
		config.BaseURL = server.URL
		tk := NewTracker(config)
		tk.Enable()

		if err := tk.CheckHealth(); err != nil {
			t.Errorf("Expected healthy check to pass, got: %v", err)
		}
	})

	t.Run("Unhealthy", func(t *testing.T) {
		server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		defer server.Close()

		config := DefaultTrackerConfig()
		config.BaseURL = server.URL
		tk := NewTracker(config)
		tk.Enable()

		err := tk.CheckHealth()
		if err == nil {
			t.Fatal("Expected error for unhealthy service")
		}
		if !strings.Contains(err.Error(), "health check failed") {
			t.Errorf("Expected health check error, got: %v", err)
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		tk := NewTracker(DefaultTrackerConfig())

		err := tk.CheckHealth()
		if err == nil {
			t.Fatal("Expected error for disabled tracker")
		}
		if !strings.Contains(err.Error(), "disabled") {
			t.Errorf("Expected disabled error, got: %v", err)
		}
	})
}
