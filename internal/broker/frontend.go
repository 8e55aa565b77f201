package broker

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/relaytun/revtunnel/internal/envelope"
	"github.com/relaytun/revtunnel/internal/frame"
	"github.com/relaytun/revtunnel/internal/logging"
)

// Frontend is the public HTTP(S) listener. It turns each inbound HTTP
// request into a RequestEnvelope, dispatches it to a selected agent, and
// blocks until the Tracker resolves the corresponding PendingRequest.
type Frontend struct {
	Registry *Registry
	Tracker  *Tracker
	Logger   *logging.Logger

	// RequestTimeout is the per-request deadline handed to Tracker.Open.
	RequestTimeout time.Duration
	// MaxFrameBytes is carried for symmetry with the agent side; ServeHTTP
	// does not check encoded requests against it.
	MaxFrameBytes uint32
	// MaxInFlightPerAgent caps concurrent dispatch per agent; 0 disables
	// the cap.
	MaxInFlightPerAgent int
	// StatsPath, when non-empty, serves a JSON Stats snapshot on that path
	// instead of proxying.
	StatsPath string
}

type httpResponder struct {
	w    http.ResponseWriter
	done chan struct{}
}

func (h *httpResponder) Respond(statusCode int, headers envelope.Headers, body []byte) {
	hdr := h.w.Header()
	for name, values := range headers {
		for _, v := range values {
			hdr.Add(name, v)
		}
	}
	h.w.WriteHeader(statusCode)
	if len(body) > 0 {
		_, _ = h.w.Write(body)
	}
	close(h.done)
}

// ServeHTTP implements net/http.Handler.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.StatsPath != "" && r.URL.Path == f.StatsPath {
		f.serveStats(w)
		return
	}

	agent := f.Registry.PickWithCap(f.MaxInFlightPerAgent)
	if agent == nil {
		http.Error(w, "No clients available", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	responder := &httpResponder{w: w, done: make(chan struct{})}
	requestID := f.Tracker.Open(agent.ID, responder, f.RequestTimeout)
	f.Registry.incInFlight(agent.ID)

	env := &envelope.RequestEnvelope{
		AgentID:   agent.ID,
		RequestID: requestID,
		Method:    r.Method,
		URL:       urlWithQuery(r),
		Headers:   envelope.Headers(r.Header),
		Body:      body,
	}

	payload, err := envelope.EncodeRequest(env)
	if err != nil {
		f.Tracker.Fail(requestID, ReasonClientError)
		<-responder.done
		return
	}

	framed, err := frame.Encode(payload)
	if err != nil {
		f.Tracker.Fail(requestID, ReasonClientError)
		<-responder.done
		return
	}

	if err := f.Registry.Send(agent.ID, framed); err != nil {
		// Send closes the socket on write failure but does not itself
		// unregister the agent or touch the tracker (see Registry.Send),
		// so this specific request resolves as client-error here rather
		// than racing the client-disconnected resolution that the
		// connection's read loop will trigger for every other pending
		// request once it unregisters the agent.
		if f.Logger != nil {
			f.Logger.Warnf("write to agent %s failed: %v", agent.ID, err)
		}
		f.Tracker.Fail(requestID, ReasonClientError)
		<-responder.done
		return
	}

	<-responder.done
}

func urlWithQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

func (f *Frontend) serveStats(w http.ResponseWriter) {
	stats := Stats{
		AgentsConnected:        f.Registry.Count(),
		RequestsInflight:       f.Tracker.Count(),
		RequestsTotal:          f.Tracker.Total(),
		RequestsFailedByReason: f.Tracker.FailedByReason(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
