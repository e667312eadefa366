package eventlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/telemetry"
)

// ErrEvicted is returned by Backfill when the requested slice starts
// before the oldest buffered event, i.e. the client's last-seen sequence
// has already been evicted and it cannot catch up without loss.
var ErrEvicted = errors.New("requested sequence range has been evicted")

const subscriberSlack = 64

// Log is the in-memory pipeline event store.
//
// It maps each pipelineID to an owned monotonic sequence counter and a
// bounded buffer. Appends for one pipeline come from a single writer;
// reads (Backfill, Subscribe, Metrics) are safe from any goroutine.
type Log struct {
	mu        sync.RWMutex
	pipelines map[string]*pipelineBuffer

	maxEvents int
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	nextSubID int
}

type pipelineBuffer struct {
	// events holds a contiguous run of sequences; events[0].Sequence
	// advances as the front is trimmed, nextSeq never decreases.
	events      []PipelineEvent
	nextSeq     uint64
	subscribers map[int]*Subscription
	terminalAt  time.Time
}

// Subscription is a live feed of one pipeline's events.
type Subscription struct {
	// C delivers events in strict sequence order. It is closed when the
	// subscription is cancelled or when the subscriber falls too far
	// behind, in which case the client recovers via Backfill.
	C <-chan PipelineEvent

	ch         chan PipelineEvent
	pipelineID string
	id         int
	log        *Log
	closeOnce  sync.Once
}

// Close cancels the subscription and releases its buffer slot.
func (s *Subscription) Close() {
	s.log.unsubscribe(s.pipelineID, s.id)
}

// BackfillResult is the bounded slice returned by Backfill.
type BackfillResult struct {
	Events  []PipelineEvent `json:"events"`
	HasMore bool            `json:"hasMore"`
	LastSeq uint64          `json:"lastSeq"`
}

// Option configures a Log.
type Option func(*Log)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// New creates a Log retaining at most maxEventsPerPipeline buffered
// events for each pipeline.
func New(maxEventsPerPipeline int, logger *zap.Logger, opts ...Option) *Log {
	l := &Log{
		pipelines: make(map[string]*pipelineBuffer),
		maxEvents: maxEventsPerPipeline,
		logger:    logger.Named("eventlog"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns the next sequence for pipelineID, stamps a timestamp,
// stores the event and fans it out to live subscribers in append order.
// The partial event's PipelineID, Sequence and Timestamp fields are
// overwritten.
func (l *Log) Append(pipelineID string, partial PipelineEvent) PipelineEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf, ok := l.pipelines[pipelineID]
	if !ok {
		buf = &pipelineBuffer{nextSeq: 1, subscribers: make(map[int]*Subscription)}
		l.pipelines[pipelineID] = buf
	}

	ev := partial
	ev.PipelineID = pipelineID
	ev.Sequence = buf.nextSeq
	ev.Timestamp = time.Now().UTC()
	buf.nextSeq++

	buf.events = append(buf.events, ev)
	if len(buf.events) > l.maxEvents {
		trimmed := copy(buf.events, buf.events[len(buf.events)-l.maxEvents:])
		buf.events = buf.events[:trimmed]
	}
	if ev.Terminal() {
		buf.terminalAt = ev.Timestamp
	}

	for id, sub := range buf.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: close it out rather than skip events, so the
			// client sees a dropped stream and replays via Backfill.
			l.logger.Warn("dropping slow subscriber",
				zap.String("pipeline_id", pipelineID),
				zap.Int("subscriber_id", id))
			l.removeSubscriberLocked(buf, id)
		}
	}

	if l.metrics != nil {
		l.metrics.EventsAppended.Inc()
		l.metrics.BufferedEvents.Set(float64(l.totalBufferedLocked()))
	}
	return ev
}

// Subscribe delivers, in order, all buffered events with sequence greater
// than fromSequence, then live-pushes new events. No event is delivered
// twice on one subscription.
func (l *Log) Subscribe(pipelineID string, fromSequence uint64) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf, ok := l.pipelines[pipelineID]
	if !ok {
		buf = &pipelineBuffer{nextSeq: 1, subscribers: make(map[int]*Subscription)}
		l.pipelines[pipelineID] = buf
	}

	pending := eventsAfter(buf.events, fromSequence, 0)
	ch := make(chan PipelineEvent, len(pending)+subscriberSlack)
	for _, ev := range pending {
		ch <- ev
	}

	l.nextSubID++
	sub := &Subscription{C: ch, ch: ch, pipelineID: pipelineID, id: l.nextSubID, log: l}
	buf.subscribers[sub.id] = sub

	if l.metrics != nil {
		l.metrics.Subscribers.Inc()
	}
	return sub
}

// Backfill returns the exact contiguous slice of buffered events with
// sequence greater than sinceSequence, at most limit entries, with no
// gaps and no duplicates. It returns ErrEvicted when sinceSequence
// precedes the oldest retained event.
func (l *Log) Backfill(pipelineID string, sinceSequence uint64, limit int) (BackfillResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := BackfillResult{Events: []PipelineEvent{}, LastSeq: sinceSequence}

	buf, ok := l.pipelines[pipelineID]
	if !ok || len(buf.events) == 0 {
		if ok && buf.nextSeq > sinceSequence+1 {
			// Events existed past sinceSequence but the buffer is empty.
			return res, fmt.Errorf("pipeline %s: %w", pipelineID, ErrEvicted)
		}
		return res, nil
	}

	oldest := buf.events[0].Sequence
	if sinceSequence+1 < oldest {
		return res, fmt.Errorf("pipeline %s: %w", pipelineID, ErrEvicted)
	}

	slice := eventsAfter(buf.events, sinceSequence, limit)
	res.Events = slice
	if n := len(slice); n > 0 {
		res.LastSeq = slice[n-1].Sequence
		res.HasMore = res.LastSeq < buf.events[len(buf.events)-1].Sequence
	}
	return res, nil
}

// Snapshot returns a copy of all buffered events for a pipeline.
func (l *Log) Snapshot(pipelineID string) []PipelineEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	buf, ok := l.pipelines[pipelineID]
	if !ok {
		return nil
	}
	out := make([]PipelineEvent, len(buf.events))
	copy(out, buf.events)
	return out
}

// Evict drops a pipeline's buffer and closes its subscribers.
func (l *Log) Evict(pipelineID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf, ok := l.pipelines[pipelineID]
	if !ok {
		return
	}
	for id := range buf.subscribers {
		l.removeSubscriberLocked(buf, id)
	}
	delete(l.pipelines, pipelineID)

	if l.metrics != nil {
		l.metrics.PipelinesSwept.Inc()
		l.metrics.BufferedEvents.Set(float64(l.totalBufferedLocked()))
	}
}

// terminalPipelines returns ids of pipelines whose terminal event is
// older than the cutoff.
func (l *Log) terminalPipelines(cutoff time.Time) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, buf := range l.pipelines {
		if !buf.terminalAt.IsZero() && buf.terminalAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// idlePipelines returns ids of buffers that never held an event and
// have no remaining subscribers. Subscribe creates such a buffer for an
// unseen pipelineID; once the subscriber is gone nothing can reference
// it and it is safe to reclaim.
func (l *Log) idlePipelines() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, buf := range l.pipelines {
		if buf.nextSeq == 1 && len(buf.subscribers) == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// TotalBuffered returns the number of events buffered across all pipelines.
func (l *Log) TotalBuffered() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalBufferedLocked()
}

func (l *Log) totalBufferedLocked() int {
	total := 0
	for _, buf := range l.pipelines {
		total += len(buf.events)
	}
	return total
}

func (l *Log) unsubscribe(pipelineID string, id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if buf, ok := l.pipelines[pipelineID]; ok {
		l.removeSubscriberLocked(buf, id)
	}
}

func (l *Log) removeSubscriberLocked(buf *pipelineBuffer, id int) {
	sub, ok := buf.subscribers[id]
	if !ok {
		return
	}
	delete(buf.subscribers, id)
	sub.closeOnce.Do(func() { close(sub.ch) })
	if l.metrics != nil {
		l.metrics.Subscribers.Dec()
	}
}

// eventsAfter returns events with sequence > since, at most limit
// entries (0 means all). The input is sorted by sequence.
func eventsAfter(events []PipelineEvent, since uint64, limit int) []PipelineEvent {
	start := len(events)
	for i, ev := range events {
		if ev.Sequence > since {
			start = i
			break
		}
	}
	out := events[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]PipelineEvent, len(out))
	copy(cp, out)
	return cp
}
