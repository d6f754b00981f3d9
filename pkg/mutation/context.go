package mutation

import "time"

// Context identifies who mutates, when, and whether aggregate measures must
// be recomputed afterwards. It is an immutable value passed explicitly.
type Context struct {
	actor   string
	at      time.Time
	refresh bool
}

// NewContext returns a context for routine mutations.
func NewContext(actor string, at time.Time) Context {
	return Context{actor: actor, at: at}
}

// NewTransitionContext returns a context for status transitions, which
// trigger recomputation of aggregate measures.
func NewTransitionContext(actor string, at time.Time) Context {
	return Context{actor: actor, at: at, refresh: true}
}

// Actor is the acting principal.
func (c Context) Actor() string { return c.actor }

// Time is the mutation timestamp.
func (c Context) Time() time.Time { return c.at }

// RefreshAggregateMeasures reports whether measures must be recomputed.
func (c Context) RefreshAggregateMeasures() bool { return c.refresh }
