package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Supervisor owns the lifecycle of a Consumer. EnsureRunning may be called
// from any number of goroutines; the consumer is started at most once while
// it is running.
type Supervisor struct {
	ctx      context.Context
	consumer Consumer

	mu      sync.Mutex
	running bool
	starts  int
}

// NewSupervisor binds the consumer lifetime to ctx rather than to the
// context of whichever caller happens to trigger a start.
func NewSupervisor(ctx context.Context, consumer Consumer) *Supervisor {
	return &Supervisor{ctx: ctx, consumer: consumer}
}

func (s *Supervisor) EnsureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.consumer.Start(s.ctx); err != nil {
		zap.S().Named("supervisor").Errorw("failed to start queue consumer", "error", err)
		return err
	}
	s.running = true
	s.starts++
	zap.S().Named("supervisor").Infow("queue consumer started", "starts", s.starts)
	return nil
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Starts reports how many times the consumer was started.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	return s.consumer.Stop(ctx)
}
