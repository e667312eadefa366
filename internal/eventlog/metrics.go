package eventlog

import "time"

// PipelineMetrics aggregates a pipeline's buffered events.
type PipelineMetrics struct {
	PipelineID  string            `json:"pipelineId"`
	TotalEvents int               `json:"totalEvents"`
	ByLevel     map[Level]int     `json:"byLevel"`
	ByStage     map[string]int    `json:"byStage"`
	ByType      map[string]int    `json:"byType"`
	FirstEvent  *time.Time        `json:"firstEvent,omitempty"`
	LastEvent   *time.Time        `json:"lastEvent,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// Metrics aggregates the buffered events of one pipeline into counts by
// level, stage and type plus first/last-event duration. A pipeline with
// no buffered events yields the defined empty shape: zero counts, empty
// maps and nil timestamps.
func (l *Log) Metrics(pipelineID string) PipelineMetrics {
	events := l.Snapshot(pipelineID)

	m := PipelineMetrics{
		PipelineID: pipelineID,
		ByLevel:    make(map[Level]int),
		ByStage:    make(map[string]int),
		ByType:     make(map[string]int),
	}
	if len(events) == 0 {
		return m
	}

	m.TotalEvents = len(events)
	for _, ev := range events {
		m.ByLevel[ev.Level]++
		if ev.Stage != "" {
			m.ByStage[ev.Stage]++
		}
		m.ByType[ev.Type]++
	}

	first := events[0].Timestamp
	last := events[len(events)-1].Timestamp
	m.FirstEvent = &first
	m.LastEvent = &last
	m.Duration = last.Sub(first)
	return m
}
