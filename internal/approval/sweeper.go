package approval

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper expires overdue requests on a timer, independent of review
// traffic.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the given gate.
func NewSweeper(gate *Gate, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		gate:     gate,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.gate.SweepExpired(ctx, time.Now()); err != nil {
				s.logger.Warn("approval sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
