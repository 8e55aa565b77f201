package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaytun/revtunnel/internal/envelope"
)

// FailReason identifies why a PendingRequest was resolved without a
// matching ResponseEnvelope ever arriving.
type FailReason string

const (
	ReasonClientDisconnected FailReason = "client-disconnected"
	ReasonClientError        FailReason = "client-error"
	ReasonTimeout            FailReason = "timeout"
)

func (r FailReason) statusAndMessage() (int, string) {
	switch r {
	case ReasonClientDisconnected:
		return 503, "Client disconnected"
	case ReasonTimeout:
		return 504, "Timeout"
	default:
		return 500, "Client error"
	}
}

// Responder is the narrow interface the tracker needs to deliver a
// resolved request back to whatever is waiting on it — decoupled from
// net/http so the tracker is independently testable.
type Responder interface {
	Respond(statusCode int, headers envelope.Headers, body []byte)
}

type pendingRequest struct {
	id       string
	agentID  string
	responder Responder
	done     chan struct{}
	timer    *time.Timer
	resolved atomic.Bool
}

// Tracker maps request IDs to the HTTP callers waiting on them. Exactly
// one of ResponseEnvelope-arrival, agent-disconnect, or timeout resolves
// each PendingRequest; the others are silent no-ops (invariant 2 of the
// tunnel's data model).
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	counter uint64

	totalOpened  uint64
	failedByMu   sync.Mutex
	failedByKind map[FailReason]uint64

	defaultTimeout time.Duration

	// onResolve is invoked once per resolution with the agent ID, used by
	// the broker to decrement the agent's in-flight counter.
	onResolve func(agentID string)
}

// NewTracker creates a Tracker with the given default per-request
// deadline (used when Open is called with a zero timeout).
func NewTracker(defaultTimeout time.Duration, onResolve func(agentID string)) *Tracker {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Tracker{
		pending:        make(map[string]*pendingRequest),
		failedByKind:   make(map[FailReason]uint64),
		defaultTimeout: defaultTimeout,
		onResolve:      onResolve,
	}
}

// Open mints a fresh request ID, registers responder as the recipient of
// whatever resolves it first, and arms a timeout timer. The request ID is
// unique for the life of the broker process (monotonic nanosecond clock
// plus an incrementing counter).
func (t *Tracker) Open(agentID string, responder Responder, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	n := atomic.AddUint64(&t.counter, 1)
	id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)

	pr := &pendingRequest{
		id:        id,
		agentID:   agentID,
		responder: responder,
		done:      make(chan struct{}),
	}
	pr.timer = time.AfterFunc(timeout, func() {
		t.Fail(id, ReasonTimeout)
	})

	t.mu.Lock()
	t.pending[id] = pr
	t.mu.Unlock()

	atomic.AddUint64(&t.totalOpened, 1)

	return id
}

// take removes and returns the pendingRequest for id if present, ensuring
// at most one caller ever observes it (the exactly-once guarantee).
func (t *Tracker) take(id string) *pendingRequest {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pr
}

// Complete resolves requestID with a ResponseEnvelope's contents. It
// returns false if no PendingRequest with that ID exists — already
// resolved, or it never existed (ResponseUnmatched) — which the caller
// logs and discards, never treats as fatal.
func (t *Tracker) Complete(requestID string, resp *envelope.ResponseEnvelope) bool {
	pr := t.take(requestID)
	if pr == nil {
		return false
	}
	pr.timer.Stop()
	pr.resolved.Store(true)
	pr.responder.Respond(resp.StatusCode, resp.Headers, resp.Body)
	close(pr.done)
	if t.onResolve != nil {
		t.onResolve(pr.agentID)
	}
	return true
}

// Fail resolves requestID with a synthetic failure response for reason,
// if it is still pending. Losing races against Complete or another Fail
// are silent no-ops.
func (t *Tracker) Fail(requestID string, reason FailReason) {
	pr := t.take(requestID)
	if pr == nil {
		return
	}
	pr.timer.Stop()
	pr.resolved.Store(true)
	status, message := reason.statusAndMessage()
	pr.responder.Respond(status, envelope.Headers{"Content-Type": {"text/plain; charset=utf-8"}}, []byte(message))
	close(pr.done)

	t.failedByMu.Lock()
	t.failedByKind[reason]++
	t.failedByMu.Unlock()

	if t.onResolve != nil {
		t.onResolve(pr.agentID)
	}
}

// FailByAgent resolves every PendingRequest currently bound to agentID
// with ReasonClientDisconnected. Used when an agent disconnects or a
// write to its socket fails.
func (t *Tracker) FailByAgent(agentID string) {
	t.mu.Lock()
	var ids []string
	for id, pr := range t.pending {
		if pr.agentID == agentID {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Fail(id, ReasonClientDisconnected)
	}
}

// Count returns the number of currently pending requests.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Total returns the number of requests ever opened on this Tracker,
// dispatched or not, for the life of the broker process.
func (t *Tracker) Total() uint64 {
	return atomic.LoadUint64(&t.totalOpened)
}

// FailedByReason returns a snapshot of how many requests have been
// resolved by Fail, grouped by reason.
func (t *Tracker) FailedByReason() map[string]uint64 {
	t.failedByMu.Lock()
	defer t.failedByMu.Unlock()
	out := make(map[string]uint64, len(t.failedByKind))
	for reason, n := range t.failedByKind {
		out[string(reason)] = n
	}
	return out
}
