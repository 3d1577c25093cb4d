// Package compensate records undo steps for multi-step writes so a failure
// part-way through can restore the records already touched.
package compensate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

// UndoFunc reverts one completed step.
type UndoFunc func(ctx context.Context) error

type step struct {
	entity string
	id     string
	undo   UndoFunc
}

// Stack is a LIFO of undo steps. The zero value is ready to use.
type Stack struct {
	mu     sync.Mutex
	steps  []step
	Logger *slog.Logger
}

// Push records the undo for a step that just succeeded.
func (s *Stack) Push(entity, id string, undo UndoFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{entity: entity, id: id, undo: undo})
}

// Len returns the number of pending undo steps.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Discard drops every pending step once the whole operation has committed.
func (s *Stack) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = nil
}

// Rollback runs every pending undo in reverse order and returns cause.
// If any undo fails the remaining ones still run, and the returned error is
// an errs.Rollback carrying both cause and the undo failures.
func (s *Stack) Rollback(ctx context.Context, cause error) error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var failures []error
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		if err := st.undo(ctx); err != nil {
			logger.Error("rollback step failed", "entity", st.entity, "id", st.id, "error", err)
			failures = append(failures, fmt.Errorf("undo %s %s: %w", st.entity, st.id, err))
			continue
		}
		logger.Info("rolled back", "entity", st.entity, "id", st.id)
	}
	if len(failures) > 0 {
		return errs.Rollback(cause, errors.Join(failures...))
	}
	return cause
}
