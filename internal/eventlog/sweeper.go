package eventlog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically evicts pipelines whose terminal event is older
// than the retention window. It is an explicit background task with
// controllable start/stop; tests drive it deterministically through
// SweepOnce.
type Sweeper struct {
	log       *Log
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper over the given log.
func NewSweeper(log *Log, retention, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		log:       log,
		retention: retention,
		interval:  interval,
		logger:    logger.Named("sweeper"),
	}
}

// Start launches the background sweep loop. Calling Start on a running
// sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.SweepOnce(time.Now())
			}
		}
	}(s.stop, s.done)
}

// Stop halts the background loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

// SweepOnce runs a single deterministic sweep at the given time and
// returns the number of pipelines evicted. Besides expired terminal
// pipelines it reclaims buffers created by subscriptions to pipeline
// ids that never produced an event, once their subscribers are gone.
func (s *Sweeper) SweepOnce(now time.Time) int {
	cutoff := now.Add(-s.retention)
	ids := s.log.terminalPipelines(cutoff)
	ids = append(ids, s.log.idlePipelines()...)
	for _, id := range ids {
		s.log.Evict(id)
	}
	if len(ids) > 0 {
		s.logger.Info("evicted pipelines", zap.Int("count", len(ids)))
	}
	return len(ids)
}
