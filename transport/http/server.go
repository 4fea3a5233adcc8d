package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/orcasched/orca/registry"
	"github.com/orcasched/orca/taskevent"
)

// EventReceiver accepts reported task events.
type EventReceiver interface {
	SubmitEvent(ctx context.Context, event *taskevent.Event) error
}

// eventReport is the wire form of a worker lifecycle report.
type eventReport struct {
	Kind               string            `json:"kind"`
	WorkflowInstanceID string            `json:"workflow_instance_id"`
	TaskInstanceID     string            `json:"task_instance_id"`
	Host               string            `json:"host"`
	ExitCode           int               `json:"exit_code"`
	LogPath            string            `json:"log_path,omitempty"`
	Varpool            map[string]string `json:"varpool,omitempty"`
	Cause              string            `json:"cause,omitempty"`
	TimestampNanos     int64             `json:"timestamp_nanos"`
}

type heartbeatReport struct {
	Host  string  `json:"host"`
	Group string  `json:"group"`
	Slots int     `json:"slots"`
	Load  float64 `json:"load"`
}

// Server exposes the master's ingest endpoints: worker lifecycle reports and
// worker heartbeats.
type Server struct {
	events   EventReceiver
	registry registry.Registry
	logger   *slog.Logger
}

func NewServer(events EventReceiver, reg registry.Registry, logger *slog.Logger) *Server {
	return &Server{
		events:   events,
		registry: reg,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", s.handleEvent)
	mux.HandleFunc("POST /api/v1/workers/heartbeat", s.handleHeartbeat)

	return mux
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var report eventReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid event report", http.StatusBadRequest)
		return
	}

	event, err := report.toEvent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.events.SubmitEvent(r.Context(), event); err != nil {
		s.logger.ErrorContext(r.Context(), "Accepting task event", "error", err)
		http.Error(w, "event not accepted", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var report heartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid heartbeat", http.StatusBadRequest)
		return
	}

	// An unknown heartbeat implicitly registers the worker; this covers a
	// master restart losing an in-memory registry.
	if err := s.registry.Heartbeat(r.Context(), report.Host, report.Load); err != nil {
		if !errors.Is(err, registry.ErrWorkerNotFound) {
			s.logger.ErrorContext(r.Context(), "Recording worker heartbeat", "error", err)
			http.Error(w, "heartbeat not accepted", http.StatusServiceUnavailable)
			return
		}

		worker := registry.Worker{
			Host:  report.Host,
			Group: report.Group,
			Slots: report.Slots,
			Load:  report.Load,
		}
		if err := s.registry.Register(r.Context(), worker); err != nil {
			s.logger.ErrorContext(r.Context(), "Registering worker", "error", err)
			http.Error(w, "heartbeat not accepted", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (r *eventReport) toEvent() (*taskevent.Event, error) {
	ts := time.Unix(0, r.TimestampNanos)

	switch r.Kind {
	case "ack":
		return taskevent.NewAckEvent(r.WorkflowInstanceID, r.TaskInstanceID, r.Host, ts), nil
	case "running":
		return taskevent.NewRunningEvent(r.WorkflowInstanceID, r.TaskInstanceID, r.Host, r.LogPath, ts), nil
	case "result":
		return taskevent.NewResultEvent(r.WorkflowInstanceID, r.TaskInstanceID, r.Host, r.ExitCode, r.Varpool, ts), nil
	case "timeout":
		return taskevent.NewTimeoutEvent(r.WorkflowInstanceID, r.TaskInstanceID, r.Cause, ts), nil
	case "kill":
		return taskevent.NewKillEvent(r.WorkflowInstanceID, r.TaskInstanceID, r.Cause, ts), nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", r.Kind)
	}
}
