// Package broker implements the broker side of the tunnel: the agent
// registry, the request tracker, and the public HTTP(S) front-end that
// dispatches requests to a connected agent and waits for its response.
package broker

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// AgentRecord is the broker's bookkeeping for one connected agent.
// Writes to Conn are serialized through sendMu so frames never interleave
// on the wire (invariant 4 of the tunnel's data model).
type AgentRecord struct {
	ID   string
	Conn net.Conn

	sendMu sync.Mutex

	metaMu    sync.Mutex
	labels    map[string]string
	connected time.Time
	inFlight  int
}

// Labels returns a copy of the agent's advertised labels.
func (a *AgentRecord) Labels() map[string]string {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	out := make(map[string]string, len(a.labels))
	for k, v := range a.labels {
		out[k] = v
	}
	return out
}

// InFlight returns the number of PendingRequests currently dispatched to
// this agent.
func (a *AgentRecord) InFlight() int {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	return a.inFlight
}

// OnDisconnect is invoked by the Registry once an agent is unregistered,
// wired by cmd/broker to fail every PendingRequest bound to it.
type OnDisconnect func(agentID string)

// Registry tracks connected agents and picks one to serve each request.
// All map and slice mutations are serialized under mu; selection uses a
// round-robin cursor over currently connected agents per the production
// guidance in the specification (any agent is correct, round-robin is
// preferred).
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	order  []string
	cursor int

	onDisconnect OnDisconnect
}

// NewRegistry creates an empty agent registry. onDisconnect may be nil.
func NewRegistry(onDisconnect OnDisconnect) *Registry {
	return &Registry{
		agents:       make(map[string]*AgentRecord),
		onDisconnect: onDisconnect,
	}
}

// Register mints a fresh agent ID for conn, installs it, and returns the
// AgentRecord. The agent ID is derived from a random UUID, collision
// resistant for the life of the broker process.
func (r *Registry) Register(conn net.Conn, labels map[string]string) *AgentRecord {
	rec := &AgentRecord{
		ID:        newAgentID(),
		Conn:      conn,
		labels:    labels,
		connected: time.Now(),
	}

	r.mu.Lock()
	r.agents[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	r.mu.Unlock()

	return rec
}

// Unregister removes agentID from the registry and, if it was present,
// invokes the configured OnDisconnect callback so the caller can fail any
// PendingRequests bound to it. Unregister is idempotent.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	_, existed := r.agents[agentID]
	if existed {
		delete(r.agents, agentID)
		for i, id := range r.order {
			if id == agentID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if r.cursor > len(r.order) {
			r.cursor = 0
		}
	}
	r.mu.Unlock()

	if existed && r.onDisconnect != nil {
		r.onDisconnect(agentID)
	}
}

// Pick returns a connected agent using round-robin selection, or nil if no
// agent is connected.
func (r *Registry) Pick() *AgentRecord {
	return r.PickWithCap(0)
}

// PickWithCap behaves like Pick but skips any agent whose current
// in-flight count is >= maxInFlight, unless maxInFlight is 0 (uncapped).
// It still advances the round-robin cursor so load continues to rotate
// fairly once agents free up capacity.
func (r *Registry) PickWithCap(maxInFlight int) *AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.order)
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		rec := r.agents[r.order[idx]]
		if rec == nil {
			continue
		}
		if maxInFlight > 0 && rec.InFlight() >= maxInFlight {
			continue
		}
		r.cursor = (idx + 1) % n
		return rec
	}

	return nil
}

// Get looks up a connected agent by ID.
func (r *Registry) Get(agentID string) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	return rec, ok
}

// Count returns the number of currently connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ErrAgentWriteFailed wraps a failed write to an agent's socket. Send
// closes the connection so the owning read loop unregisters the agent
// through its own teardown path; the caller is left free to resolve the
// one request whose dispatch failed without racing that unregistration.
type ErrAgentWriteFailed struct {
	AgentID string
	Cause   error
}

func (e *ErrAgentWriteFailed) Error() string {
	return fmt.Sprintf("broker: write to agent %s failed: %v", e.AgentID, e.Cause)
}

func (e *ErrAgentWriteFailed) Unwrap() error { return e.Cause }

// Send writes a framed payload to agentID's socket, serialized against any
// other concurrent writer for the same agent. On write failure it closes
// the agent's connection and returns ErrAgentWriteFailed, but does not
// itself unregister the agent or fail any other PendingRequest: the
// connection's owning read loop (Service.handleConnection) observes the
// closed socket on its next Read and unregisters the agent from there,
// which is what fails every *other* request still pending against it. This
// keeps the write failure Send just reported free to be resolved by the
// caller (as client-error) without racing the disconnect-triggered
// client-disconnected resolution for the same request ID.
func (r *Registry) Send(agentID string, framed []byte) error {
	rec, ok := r.Get(agentID)
	if !ok {
		return &ErrAgentWriteFailed{AgentID: agentID, Cause: fmt.Errorf("agent not connected")}
	}

	rec.sendMu.Lock()
	_, err := rec.Conn.Write(framed)
	rec.sendMu.Unlock()

	if err != nil {
		_ = rec.Conn.Close()
		return &ErrAgentWriteFailed{AgentID: agentID, Cause: err}
	}
	return nil
}

func (r *Registry) incInFlight(agentID string) {
	r.mu.RLock()
	rec := r.agents[agentID]
	r.mu.RUnlock()
	if rec == nil {
		return
	}
	rec.metaMu.Lock()
	rec.inFlight++
	rec.metaMu.Unlock()
}

func (r *Registry) decInFlight(agentID string) {
	r.mu.RLock()
	rec := r.agents[agentID]
	r.mu.RUnlock()
	if rec == nil {
		return
	}
	rec.metaMu.Lock()
	if rec.inFlight > 0 {
		rec.inFlight--
	}
	rec.metaMu.Unlock()
}

// DecInFlight is the exported form of decInFlight, wired as a Tracker's
// onResolve callback by cmd/broker so the in-flight cap tracked here stays
// in sync with request resolution happening in the Tracker.
func (r *Registry) DecInFlight(agentID string) {
	r.decInFlight(agentID)
}
