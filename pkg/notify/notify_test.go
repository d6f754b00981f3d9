package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/jmylchreest/triage/pkg/httputil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (r *recorder) Publish(ctx context.Context, e Event) {
	_ = r.Deliver(ctx, e)
}

func (r *recorder) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.FindingKey)
	}
	return out
}

func sampleFinding() *findings.Finding {
	return &findings.Finding{
		Key:        "H1",
		Type:       findings.TypeSecurityHotspot,
		Status:     findings.StatusReviewed,
		Resolution: findings.ResolutionSafe,
		ProjectKey: "projectA",
		BranchID:   "b-feature",
	}
}

func TestFindingChanged(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := FindingChanged(sampleFinding(), "alice", at)

	assert.Equal(t, EventFindingChanged, e.Kind)
	assert.Equal(t, "H1", e.FindingKey)
	assert.Equal(t, "b-feature", e.BranchID)
	assert.Equal(t, findings.ResolutionSafe, e.Resolution)
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, at, e.At)
}

func TestDispatcherDeliversAllOnClose(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, DispatcherConfig{Workers: 1, QueueSize: 16}, zerolog.Nop())

	for _, k := range []string{"a", "b", "c"} {
		d.Publish(context.Background(), Event{FindingKey: k})
	}
	require.NoError(t, d.Close())

	assert.Equal(t, []string{"a", "b", "c"}, rec.keys())
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, DispatcherConfig{}, zerolog.Nop())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	d.Publish(context.Background(), Event{FindingKey: "late"})
	assert.Empty(t, rec.keys())
}

func TestDispatcherSurvivesDeliveryErrors(t *testing.T) {
	rec := &recorder{fail: true}
	d := NewDispatcher(rec, DispatcherConfig{Workers: 2}, zerolog.Nop())
	d.Publish(context.Background(), Event{FindingKey: "a"})
	d.Publish(context.Background(), Event{FindingKey: "b"})
	require.NoError(t, d.Close())

	assert.ElementsMatch(t, []string{"a", "b"}, rec.keys())
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, b, Discard{}}.Publish(context.Background(), Event{FindingKey: "x"})
	assert.Equal(t, []string{"x"}, a.keys())
	assert.Equal(t, []string{"x"}, b.keys())
}

func TestWebhookSink(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, httputil.NewClient(httputil.WithMaxRetries(0)), zerolog.Nop())
	e := FindingChanged(sampleFinding(), "alice", time.Now().UTC())
	require.NoError(t, sink.Deliver(context.Background(), e))

	assert.Equal(t, "H1", got.FindingKey)
	assert.Equal(t, findings.StatusReviewed, got.Status)
}

func TestWebhookSinkReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, httputil.NewClient(httputil.WithMaxRetries(0)), zerolog.Nop())
	err := sink.Deliver(context.Background(), Event{FindingKey: "H1"})
	assert.ErrorContains(t, err, "403")
}
