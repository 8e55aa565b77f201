package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"

	"github.com/relaytun/revtunnel/internal/envelope"
	"github.com/relaytun/revtunnel/internal/frame"
	"github.com/relaytun/revtunnel/internal/logging"
)

// Service is the broker's tunnel-socket listener. Each accepted connection
// becomes one AgentRecord in the Registry; incoming frames are decoded and,
// when they carry a ResponseEnvelope, handed to the Tracker for
// correlation. Outbound RequestEnvelopes are written by Registry.Send,
// called from the Frontend — Service only ever reads from agent sockets.
type Service struct {
	Registry      *Registry
	Tracker       *Tracker
	Logger        *logging.Logger
	MaxFrameBytes uint32

	// TLSConfig, when non-nil, wraps the tunnel listener in TLS using the
	// already-built certificate/key pair. Building the *tls.Config itself
	// (loading key material) is an external collaborator; Service only
	// consumes the finished config.
	TLSConfig *tls.Config

	listener net.Listener
}

// registerFrame is the optional first frame an agent may send immediately
// after dialing, advertising labels that the broker stores on the
// AgentRecord; agent selection does not consult them. Any frame that isn't
// a registerFrame is treated as a regular envelope.
type registerFrame struct {
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels"`
}

// Start listens on addr and accepts agent connections until ctx is
// cancelled, at which point it stops accepting new connections and
// returns nil. Each connection is served in its own goroutine.
func (s *Service) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", addr, err)
	}
	if s.TLSConfig != nil {
		ln = tls.NewListener(ln, s.TLSConfig)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.Logger != nil {
				s.Logger.Warnf("broker: accept error: %v", err)
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Service) handleConnection(conn net.Conn) {
	defer conn.Close()

	rec := s.Registry.Register(conn, nil)
	if s.Logger != nil {
		s.Logger.Infof("agent %s connected from %s", rec.ID, conn.RemoteAddr())
	}
	defer func() {
		s.Registry.Unregister(rec.ID)
		if s.Logger != nil {
			s.Logger.Infof("agent %s disconnected", rec.ID)
		}
	}()

	firstFrame := true
	dec := frame.NewDecoder(s.MaxFrameBytes, func(payload []byte) error {
		if firstFrame {
			firstFrame = false
			var reg registerFrame
			if err := json.Unmarshal(payload, &reg); err == nil && reg.Type == "register" {
				rec.metaMu.Lock()
				rec.labels = reg.Labels
				rec.metaMu.Unlock()
				return nil
			}
		}
		s.handlePayload(rec, payload)
		return nil
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n]); ferr != nil {
				if s.Logger != nil {
					s.Logger.Warnf("agent %s: %v", rec.ID, ferr)
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Service) handlePayload(rec *AgentRecord, payload []byte) {
	kind, _, resp, err := envelope.Decode(payload)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warnf("agent %s sent malformed envelope: %v", rec.ID, err)
		}
		return
	}

	if kind != envelope.KindResponse {
		if s.Logger != nil {
			s.Logger.Warnf("agent %s sent unexpected envelope kind %q", rec.ID, kind)
		}
		return
	}

	if !s.Tracker.Complete(resp.RequestID, resp) {
		if s.Logger != nil {
			s.Logger.Warnf("agent %s: response for unknown or already-resolved request %s discarded", rec.ID, resp.RequestID)
		}
	}
}
