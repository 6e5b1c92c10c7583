package training

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PlottingService posts plot documents to an external plotting server.
type PlottingService struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// BatchPlottingResponse represents the response from the batch plotting endpoint
type BatchPlottingResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	BatchID      string            `json:"batch_id,omitempty"`
	Results      []BatchPlotResult `json:"results,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
	Summary      BatchSummary      `json:"summary,omitempty"`
}

// BatchPlotResult represents a single plot result within a batch response
type BatchPlotResult struct {
	Success   bool   `json:"success"`
	PlotID    string `json:"plot_id,omitempty"`
	PlotURL   string `json:"plot_url,omitempty"`
	PlotType  string `json:"plot_type,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// BatchSummary represents the summary of a batch operation
type BatchSummary struct {
	TotalPlots int `json:"total_plots"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// DefaultPlottingServiceConfig returns default configuration for the plotting service
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewPlottingService creates a new plotting service client
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	return &PlottingService{
		baseURL:       config.BaseURL,
		httpClient:    &http.Client{Timeout: config.Timeout},
		retryAttempts: max(config.RetryAttempts, 1),
		retryDelay:    config.RetryDelay,
	}
}

// BatchSendPlots posts several plots to /api/batch-plot in one request.
func (ps *PlottingService) BatchSendPlots(ctx context.Context, plots []PlotData) (*BatchPlottingResponse, error) {
	payload := map[string]interface{}{
		"plots": plots,
		"batch": true,
	}
	var resp BatchPlottingResponse
	if err := ps.post(ctx, "/api/batch-plot", payload, &resp); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// PublishCollector sends every non-empty plot of pc in one batch, retrying
// up to RetryAttempts times with RetryDelay between attempts.
func (ps *PlottingService) PublishCollector(ctx context.Context, pc *PlotCollector) (*BatchPlottingResponse, error) {
	plots := pc.Plots()
	if len(plots) == 0 {
		return &BatchPlottingResponse{Success: true, Message: "no plots to send"}, nil
	}

	var resp *BatchPlottingResponse
	err := ps.withRetry(ctx, "publish plots", func() error {
		var err error
		resp, err = ps.BatchSendPlots(ctx, plots)
		return err
	})
	if err != nil {
		return resp, err
	}
	klog.Infof("Published %d plots to %s", len(plots), ps.baseURL)
	return resp, nil
}

// withRetry calls fn until it succeeds, retryAttempts is exhausted or ctx is
// done, sleeping retryDelay between attempts.
func (ps *PlottingService) withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < ps.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), what)
			case <-time.After(ps.retryDelay):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		klog.V(2).Infof("%s attempt %d failed: %v", what, attempt+1, lastErr)
	}
	return errors.Wrapf(lastErr, "%s after %d attempts", what, ps.retryAttempts)
}

// CheckHealth checks if the plotting service is available
func (ps *PlottingService) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ps.baseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "create health check request")
	}
	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (ps *PlottingService) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal plot data")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-deeplab-training")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "parse response JSON (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("HTTP request to %s failed with status %d", path, resp.StatusCode)
	}
	return nil
}
