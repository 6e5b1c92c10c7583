package training

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testPlottingService(url string) *PlottingService {
	cfg := DefaultPlottingServiceConfig()
	cfg.BaseURL = url
	cfg.Timeout = 5 * time.Second
	cfg.RetryDelay = time.Millisecond
	return NewPlottingService(cfg)
}

func TestDefaultPlottingServiceConfig(t *testing.T) {
	cfg := DefaultPlottingServiceConfig()
	if cfg.BaseURL != "http://localhost:8080" || cfg.RetryAttempts != 3 || cfg.Timeout != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestBatchSendPlots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/batch-plot" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %s", r.Header.Get("Content-Type"))
		}
		var payload struct {
			Plots []PlotData `json:"plots"`
			Batch bool       `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if !payload.Batch || len(payload.Plots) != 1 || payload.Plots[0].PlotType != TrainingCurves {
			t.Errorf("unexpected payload %+v", payload)
		}
		json.NewEncoder(w).Encode(BatchPlottingResponse{Success: true, BatchID: "batch_1"})
	}))
	defer server.Close()

	resp, err := testPlottingService(server.URL).BatchSendPlots(context.Background(), []PlotData{{PlotType: TrainingCurves}})
	if err != nil {
		t.Fatalf("BatchSendPlots: %v", err)
	}
	if !resp.Success || resp.BatchID != "batch_1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestBatchSendPlotsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(BatchPlottingResponse{Message: "bad plot"})
	}))
	defer server.Close()

	resp, err := testPlottingService(server.URL).BatchSendPlots(context.Background(), []PlotData{{}})
	if err == nil {
		t.Fatal("expected error")
	}
	if resp.Message != "bad plot" {
		t.Errorf("error body not decoded: %+v", resp)
	}
}

func TestPublishCollectorRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		wantCalls int32
		wantErr   bool
	}{
		{"first attempt", 0, 1, false},
		{"recovers after one failure", 1, 2, false},
		{"recovers on last attempt", 2, 3, false},
		{"gives up", 5, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					json.NewEncoder(w).Encode(BatchPlottingResponse{Message: "busy"})
					return
				}
				json.NewEncoder(w).Encode(BatchPlottingResponse{Success: true})
			}))
			defer server.Close()

			pc := NewPlotCollector("net", "")
			pc.RecordScalar(TagLossIter, 0.4, 0)

			resp, err := testPlottingService(server.URL).PublishCollector(context.Background(), pc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PublishCollector error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !resp.Success {
				t.Errorf("unexpected response %+v", resp)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("server called %d times, expected %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestPublishCollectorStopsWhenCancelled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(BatchPlottingResponse{Message: "busy"})
	}))
	defer server.Close()

	cfg := DefaultPlottingServiceConfig()
	cfg.BaseURL = server.URL
	cfg.RetryDelay = time.Hour
	ps := NewPlottingService(cfg)

	pc := NewPlotCollector("net", "")
	pc.RecordScalar(TagLossIter, 0.4, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ps.PublishCollector(ctx, pc)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, expected 1", calls.Load())
	}
}

func TestPublishCollector(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload struct {
			Plots []PlotData `json:"plots"`
			Batch bool       `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		n := len(payload.Plots)
		received.Store(int32(n))
		json.NewEncoder(w).Encode(BatchPlottingResponse{
			Success: true,
			Summary: BatchSummary{TotalPlots: n, Successful: n},
		})
	}))
	defer server.Close()

	ps := testPlottingService(server.URL)
	pc := NewPlotCollector("net", "")

	resp, err := ps.PublishCollector(context.Background(), pc)
	if err != nil || !resp.Success {
		t.Fatalf("empty collector: %+v, %v", resp, err)
	}
	if received.Load() != 0 {
		t.Error("empty collector should not contact the server")
	}

	pc.RecordScalar(TagLossIter, 0.4, 0)
	pc.RecordScalar(TagValMIoU, 0.2, 0)
	resp, err = ps.PublishCollector(context.Background(), pc)
	if err != nil {
		t.Fatalf("PublishCollector: %v", err)
	}
	if received.Load() != 2 || resp.Summary.Successful != 2 {
		t.Errorf("server received %d plots, summary %+v", received.Load(), resp.Summary)
	}
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ps := testPlottingService(server.URL)
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Errorf("CheckHealth: %v", err)
	}
	healthy.Store(false)
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("expected error from unhealthy server")
	}
}
