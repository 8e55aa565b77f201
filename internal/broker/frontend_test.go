package broker

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaytun/revtunnel/internal/envelope"
	"github.com/relaytun/revtunnel/internal/frame"
)

// newFakeAgent wires a Registry+Tracker pair the way Service would, but
// drives the agent side of a net.Pipe directly so tests don't need a real
// TCP listener. The returned stop function must be called to release the
// pipe.
func newFakeAgent(t *testing.T, handle func(req *envelope.RequestEnvelope) *envelope.ResponseEnvelope) (*Registry, *Tracker, *AgentRecord, func()) {
	t.Helper()

	brokerSide, agentSide := net.Pipe()

	reg := NewRegistry(nil)
	var tracker *Tracker
	tracker = NewTracker(time.Second, func(agentID string) { reg.decInFlight(agentID) })
	rec := reg.Register(brokerSide, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		dec := frame.NewDecoder(0, func(payload []byte) error {
			kind, req, _, err := envelope.Decode(payload)
			if err != nil || kind != envelope.KindRequest {
				return nil
			}
			resp := handle(req)
			respPayload, err := envelope.EncodeResponse(resp)
			if err != nil {
				return nil
			}
			framed, err := frame.Encode(respPayload)
			if err != nil {
				return nil
			}
			_, err = agentSide.Write(framed)
			return err
		})
		buf := make([]byte, 4096)
		for {
			n, err := agentSide.Read(buf)
			if n > 0 {
				_ = dec.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	// The broker side of the pipe never reads on its own in this harness
	// (that is Service's job in production); read the agent's framed
	// response here and hand it to the tracker, mirroring
	// Service.handleConnection.
	go func() {
		dec := frame.NewDecoder(0, func(payload []byte) error {
			kind, _, resp, err := envelope.Decode(payload)
			if err != nil || kind != envelope.KindResponse {
				return nil
			}
			tracker.Complete(resp.RequestID, resp)
			return nil
		})
		buf := make([]byte, 4096)
		for {
			n, err := brokerSide.Read(buf)
			if n > 0 {
				_ = dec.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	stop := func() {
		_ = agentSide.Close()
		_ = brokerSide.Close()
		<-done
	}
	return reg, tracker, rec, stop
}

func TestFrontendHappyPath(t *testing.T) {
	reg, tracker, _, stop := newFakeAgent(t, func(req *envelope.RequestEnvelope) *envelope.ResponseEnvelope {
		return &envelope.ResponseEnvelope{
			RequestID:  req.RequestID,
			StatusCode: 200,
			Headers:    envelope.Headers{"Content-Type": {"text/plain"}},
			Body:       []byte("hi"),
		}
	})
	defer stop()

	f := &Frontend{Registry: reg, Tracker: tracker, RequestTimeout: time.Second}
	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestFrontendNoAgentsReturns503(t *testing.T) {
	reg := NewRegistry(nil)
	tracker := NewTracker(time.Second, nil)
	f := &Frontend{Registry: reg, Tracker: tracker, RequestTimeout: time.Second}

	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/x")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestFrontendWriteFailureReturns500NotDisconnect503(t *testing.T) {
	var disconnected []string
	reg := NewRegistry(func(agentID string) { disconnected = append(disconnected, agentID) })
	tracker := NewTracker(time.Second, nil)

	local, remote := net.Pipe()
	remote.Close() // break the agent socket so Registry.Send's write fails
	reg.Register(local, nil)

	f := &Frontend{Registry: reg, Tracker: tracker, RequestTimeout: time.Second}
	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/x")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (client-error), not a disconnect 503", resp.StatusCode)
	}
	if len(disconnected) != 0 {
		t.Fatalf("onDisconnect fired synchronously during the request: %v", disconnected)
	}
}

func TestFrontendStatsEndpoint(t *testing.T) {
	reg := NewRegistry(nil)
	tracker := NewTracker(time.Second, nil)
	f := &Frontend{Registry: reg, Tracker: tracker, RequestTimeout: time.Second, StatsPath: "/debug/vars"}

	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/vars")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
