// Package agent implements the agent side of the tunnel: dialing the
// broker, decoding RequestEnvelopes off the wire, resolving and rewriting
// their URLs, dispatching them to the real origin, and writing the
// resulting ResponseEnvelope back — reconnecting whenever the socket is
// lost.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/relaytun/revtunnel/internal/envelope"
	"github.com/relaytun/revtunnel/internal/frame"
	"github.com/relaytun/revtunnel/internal/logging"
)

// Tunnel drives the agent's Disconnected -> Dialing -> Connected ->
// Disconnected loop for the life of the process. One Tunnel owns one
// outbound connection at a time.
type Tunnel struct {
	Addr          string
	TLSConfig     *tls.Config // nil disables TLS on the dial
	ReconnectWait time.Duration
	MaxFrameBytes uint32
	Labels        map[string]string

	DefaultTarget string
	Rewrites      []CompiledRule
	Upstream      *Upstream

	Logger *logging.Logger
}

// Run dials the broker and serves requests until ctx is cancelled. On any
// read error or EOF it waits ReconnectWait and dials again; it only
// returns once ctx is done.
func (t *Tunnel) Run(ctx context.Context) {
	wait := t.ReconnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.dial()
		if err != nil {
			if t.Logger != nil {
				t.Logger.Warnf("agent: dial %s failed: %v", t.Addr, err)
			}
			if !sleepOrDone(ctx, wait) {
				return
			}
			continue
		}

		if t.Logger != nil {
			t.Logger.Infof("agent: connected to %s", t.Addr)
		}
		t.serve(ctx, conn)
		if t.Logger != nil {
			t.Logger.Infof("agent: disconnected from %s", t.Addr)
		}

		if !sleepOrDone(ctx, wait) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Tunnel) dial() (net.Conn, error) {
	if t.TLSConfig != nil {
		return tls.Dial("tcp", t.Addr, t.TLSConfig)
	}
	return net.Dial("tcp", t.Addr)
}

// serve owns conn for the duration of one Connected period: it announces
// the agent's labels, reads frames until the socket errors or ctx is
// cancelled, and dispatches each decoded RequestEnvelope concurrently.
func (t *Tunnel) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var sendMu sync.Mutex
	send := func(payload []byte) error {
		framed, err := frame.Encode(payload)
		if err != nil {
			return err
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		_, err = conn.Write(framed)
		return err
	}

	if len(t.Labels) > 0 {
		reg, _ := json.Marshal(struct {
			Type   string            `json:"type"`
			Labels map[string]string `json:"labels"`
		}{Type: "register", Labels: t.Labels})
		if err := send(reg); err != nil {
			return
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	dec := frame.NewDecoder(t.MaxFrameBytes, func(payload []byte) error {
		kind, req, _, err := envelope.Decode(payload)
		if err != nil {
			if t.Logger != nil {
				t.Logger.Warnf("agent: malformed envelope: %v", err)
			}
			return nil
		}
		if kind != envelope.KindRequest {
			if t.Logger != nil {
				t.Logger.Warnf("agent: unexpected envelope kind %q", kind)
			}
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handleRequest(req, send)
		}()
		return nil
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n]); ferr != nil {
				if t.Logger != nil {
					t.Logger.Warnf("agent: %v", ferr)
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleRequest applies rewrite rules, resolves req's URL, dispatches it
// upstream, and writes the resulting ResponseEnvelope back via send. Rewrite
// rules are matched against the URL as the broker sent it (e.g. "/hello")
// before it is resolved against DefaultTarget into an absolute form — an
// anchored pattern like "^/hello$" is written against that relative path
// and would never match once the URL already carries a scheme and host. It
// never lets an upstream or resolution failure escape without a response:
// malformed URLs become a synthetic 500, matching UpstreamFailure handling
// for any other dispatch error.
func (t *Tunnel) handleRequest(req *envelope.RequestEnvelope, send func([]byte) error) {
	rewritten := Rewrite(t.Rewrites, req.URL)
	resolved, err := ResolveURL(rewritten, t.DefaultTarget)
	if err != nil {
		t.respondError(req.RequestID, send)
		return
	}
	req.URL = resolved

	resp := t.Upstream.Dispatch(req)

	payload, err := envelope.EncodeResponse(resp)
	if err != nil {
		if t.Logger != nil {
			t.Logger.Warnf("agent: encode response for %s: %v", req.RequestID, err)
		}
		return
	}
	if err := send(payload); err != nil {
		if t.Logger != nil {
			t.Logger.Warnf("agent: write response for %s: %v", req.RequestID, err)
		}
	}
}

func (t *Tunnel) respondError(requestID string, send func([]byte) error) {
	payload, err := envelope.EncodeResponse(&envelope.ResponseEnvelope{
		RequestID:  requestID,
		StatusCode: 500,
		Headers:    envelope.Headers{},
		Body:       []byte("Internal Server Error"),
	})
	if err != nil {
		return
	}
	_ = send(payload)
}
