package agent

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relaytun/revtunnel/internal/envelope"
)

// Upstream issues the real HTTP call an agent makes on behalf of a
// tunneled request, after URL normalization and rewrite have already been
// applied.
type Upstream struct {
	Client *http.Client
}

// NewUpstream builds an Upstream whose client enforces the given TLS
// verification policy and per-request timeout.
func NewUpstream(rejectUnauthorized bool, timeout time.Duration) *Upstream {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !rejectUnauthorized},
	}
	return &Upstream{Client: &http.Client{Transport: transport, Timeout: timeout}}
}

// ResolveURL normalizes raw against defaultTarget: an absolute URL
// (http:// or https://) is returned unchanged; anything else is resolved
// against defaultTarget per RFC 3986 reference resolution.
func ResolveURL(raw, defaultTarget string) (string, error) {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return raw, nil
	}

	base, err := url.Parse(defaultTarget)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Dispatch performs the upstream call described by req and returns the
// ResponseEnvelope to send back over the tunnel. It never returns an
// error: upstream failures are turned into a synthetic 500 response, per
// the tunnel's failure semantics — the caller always has something to
// write back.
func (u *Upstream) Dispatch(req *envelope.RequestEnvelope) *envelope.ResponseEnvelope {
	httpReq, err := http.NewRequest(req.Method, req.URL, nil)
	if err != nil {
		return internalError(req.RequestID)
	}
	if len(req.Body) > 0 {
		httpReq, err = http.NewRequest(req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return internalError(req.RequestID)
		}
	}
	httpReq.Header = http.Header(req.Headers.Clone())

	resp, err := u.Client.Do(httpReq)
	if err != nil {
		return internalError(req.RequestID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return internalError(req.RequestID)
	}

	return &envelope.ResponseEnvelope{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    envelope.Headers(resp.Header),
		Body:       body,
	}
}

func internalError(requestID string) *envelope.ResponseEnvelope {
	return &envelope.ResponseEnvelope{
		RequestID:  requestID,
		StatusCode: 500,
		Headers:    envelope.Headers{},
		Body:       []byte("Internal Server Error"),
	}
}

