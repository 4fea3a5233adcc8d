package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/internal/log"
)

// CommandSubmitter is the part of the engine the scheduler drives.
type CommandSubmitter interface {
	SubmitCommand(ctx context.Context, cmd *core.Command) (*core.WorkflowInstance, error)
}

// Scheduler starts workflow instances on cron schedules. Each definition can
// carry at most one schedule; replacing a schedule removes the previous one.
type Scheduler struct {
	engine CommandSubmitter
	logger *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(engine CommandSubmitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:  engine,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
		entries: map[string]cron.EntryID{},
	}
}

// AddSchedule registers a cron expression for a definition. The expression
// uses the six-field form with a leading seconds field.
func (s *Scheduler) AddSchedule(definitionID, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[definitionID]; ok {
		s.cron.Remove(prev)
		delete(s.entries, definitionID)
	}

	id, err := s.cron.AddFunc(expr, func() {
		s.fire(definitionID)
	})
	if err != nil {
		return fmt.Errorf("parsing schedule %q: %w", expr, err)
	}

	s.entries[definitionID] = id

	return nil
}

// RemoveSchedule drops the schedule for a definition, if any.
func (s *Scheduler) RemoveSchedule(definitionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[definitionID]; ok {
		s.cron.Remove(id)
		delete(s.entries, definitionID)
	}
}

func (s *Scheduler) fire(definitionID string) {
	ctx := context.Background()

	wi, err := s.engine.SubmitCommand(ctx, &core.Command{
		Type:         core.CommandTypeStart,
		DefinitionID: definitionID,
	})
	if err != nil {
		s.logger.Error("Starting scheduled workflow instance",
			"error", err,
			log.DefinitionIDKey, definitionID,
		)
		return
	}

	s.logger.Info("Started scheduled workflow instance",
		log.DefinitionIDKey, definitionID,
		log.InstanceIDKey, wi.ID,
	)
}

// Start begins firing schedules in their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight triggers to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
