package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/web3-frozen/reserve-monitor/internal/lock"
	"github.com/web3-frozen/reserve-monitor/internal/snapshot"
)

// Triggerer runs a snapshot on demand. *snapshot.Scheduler implements it.
type Triggerer interface {
	Trigger(ctx context.Context) (*snapshot.Result, error)
}

// StatusReporter exposes the background scheduler state.
type StatusReporter interface {
	Status() snapshot.Status
}

type triggerResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message"`
}

// TriggerSnapshot runs one snapshot synchronously. The run is detached from
// the request context so a disconnecting client cannot abort a commit.
func TriggerSnapshot(t Triggerer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := t.Trigger(context.WithoutCancel(r.Context()))
		switch {
		case errors.Is(err, lock.ErrHeld):
			writeJSON(w, http.StatusConflict, triggerResponse{
				Error:   err.Error(),
				Message: "Snapshot already running",
			})
		case err != nil:
			logger.Error("manual snapshot failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, triggerResponse{
				Error:   err.Error(),
				Message: "Snapshot failed",
			})
		default:
			writeJSON(w, http.StatusOK, triggerResponse{
				Success:   true,
				Timestamp: res.TSUTC,
				Message:   "Snapshot completed successfully",
			})
		}
	}
}

func RefreshStatus(s StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
