// Package notify delivers finding change notifications to downstream
// subscribers. Delivery is best-effort and never fails a mutation.
package notify

import (
	"context"
	"time"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/rs/zerolog"
)

// EventFindingChanged is published after a finding has been mutated.
const EventFindingChanged = "finding.changed"

// Event describes a mutated finding.
type Event struct {
	Kind       string              `json:"kind"`
	FindingKey string              `json:"finding"`
	Type       findings.Type       `json:"type"`
	ProjectKey string              `json:"project"`
	BranchID   string              `json:"branchId"`
	Status     findings.Status     `json:"status"`
	Resolution findings.Resolution `json:"resolution,omitempty"`
	Assignee   string              `json:"assignee,omitempty"`
	Actor      string              `json:"actor"`
	At         time.Time           `json:"at"`
}

// FindingChanged builds the change event for f.
func FindingChanged(f *findings.Finding, actor string, at time.Time) Event {
	return Event{
		Kind:       EventFindingChanged,
		FindingKey: f.Key,
		Type:       f.Type,
		ProjectKey: f.ProjectKey,
		BranchID:   f.BranchID,
		Status:     f.Status,
		Resolution: f.Resolution,
		Assignee:   f.Assignee,
		Actor:      actor,
		At:         at,
	}
}

// Sink receives events. Publish must not block for long and reports delivery
// problems through its own logging.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink logging events at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Publish(_ context.Context, e Event) {
	s.logger.Info().
		Str("kind", e.Kind).
		Str("finding", e.FindingKey).
		Str("project", e.ProjectKey).
		Str("status", string(e.Status)).
		Str("resolution", string(e.Resolution)).
		Str("actor", e.Actor).
		Msg("finding changed")
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}
