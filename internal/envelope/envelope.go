// Package envelope implements the structured request/response records carried
// one-per-frame across the tunnel. Envelopes are encoded as a single
// self-describing JSON object; bodies are always carried base64-encoded so
// arbitrary binary payloads survive the textual wire format.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind discriminates the two envelope variants carried on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// ErrMalformed wraps any failure to parse a frame payload into an envelope.
// It is never fatal to the connection — callers log it and drop the frame.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("envelope: malformed payload: %s", e.Reason)
}

// Headers preserves multi-value header semantics. On the wire a header may
// be encoded as a single string or an array of strings; Headers always
// normalizes to the latter on encode.
type Headers map[string][]string

// Add appends a value under name, preserving any existing values.
func (h Headers) Add(name, value string) {
	h[name] = append(h[name], value)
}

// Get returns the first value for name, or "" if absent.
func (h Headers) Get(name string) string {
	v := h[name]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Clone returns a deep copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// wireHeaders is the on-the-wire shape of Headers: each value is either a
// bare string or an array of strings. Decode accepts both; Encode always
// emits the array form.
type wireHeaders map[string]json.RawMessage

func decodeHeaders(raw map[string]json.RawMessage) (Headers, error) {
	if raw == nil {
		return Headers{}, nil
	}
	out := make(Headers, len(raw))
	for name, v := range raw {
		var asSlice []string
		if err := json.Unmarshal(v, &asSlice); err == nil {
			out[name] = asSlice
			continue
		}
		var asString string
		if err := json.Unmarshal(v, &asString); err == nil {
			out[name] = []string{asString}
			continue
		}
		return nil, fmt.Errorf("header %q: neither a string nor an array of strings", name)
	}
	return out, nil
}

func encodeHeaders(h Headers) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// RequestEnvelope carries one HTTP request across the tunnel.
type RequestEnvelope struct {
	AgentID   string
	RequestID string
	Method    string
	URL       string
	Headers   Headers
	Body      []byte
}

// ResponseEnvelope carries one HTTP response back across the tunnel.
type ResponseEnvelope struct {
	AgentID    string
	RequestID  string
	StatusCode int
	Headers    Headers
	Body       []byte
}

type wireEnvelope struct {
	Type       string                     `json:"type"`
	ClientID   string                     `json:"clientId"`
	RequestID  string                     `json:"requestId"`
	Method     string                     `json:"method,omitempty"`
	URL        string                     `json:"url,omitempty"`
	StatusCode int                        `json:"statusCode,omitempty"`
	Headers    map[string]json.RawMessage `json:"headers,omitempty"`
	Body       string                     `json:"body,omitempty"`
}

// EncodeRequest serializes a RequestEnvelope to its frame-payload form.
func EncodeRequest(r *RequestEnvelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:      string(KindRequest),
		ClientID:  r.AgentID,
		RequestID: r.RequestID,
		Method:    r.Method,
		URL:       r.URL,
		Headers:   rawHeaders(r.Headers),
		Body:      base64.StdEncoding.EncodeToString(r.Body),
	})
}

// EncodeResponse serializes a ResponseEnvelope to its frame-payload form.
func EncodeResponse(r *ResponseEnvelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:       string(KindResponse),
		ClientID:   r.AgentID,
		RequestID:  r.RequestID,
		StatusCode: r.StatusCode,
		Headers:    rawHeaders(r.Headers),
		Body:       base64.StdEncoding.EncodeToString(r.Body),
	})
}

func rawHeaders(h Headers) map[string]json.RawMessage {
	if len(h) == 0 {
		return nil
	}
	encoded := encodeHeaders(h)
	out := make(map[string]json.RawMessage, len(encoded))
	for k, v := range encoded {
		b, _ := json.Marshal(v)
		out[k] = b
	}
	return out
}

// Decode inspects a frame payload's "type" field and decodes it into either
// a *RequestEnvelope or a *ResponseEnvelope. It returns *ErrMalformed for any
// structurally invalid payload.
func Decode(payload []byte) (kind Kind, request *RequestEnvelope, response *ResponseEnvelope, err error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return "", nil, nil, &ErrMalformed{Reason: err.Error()}
	}

	switch Kind(w.Type) {
	case KindRequest:
		headers, herr := decodeHeaders(w.Headers)
		if herr != nil {
			return "", nil, nil, &ErrMalformed{Reason: herr.Error()}
		}
		body, berr := decodeBody(w.Body)
		if berr != nil {
			return "", nil, nil, &ErrMalformed{Reason: berr.Error()}
		}
		if w.RequestID == "" || w.Method == "" || w.URL == "" {
			return "", nil, nil, &ErrMalformed{Reason: "request envelope missing requestId, method, or url"}
		}
		return KindRequest, &RequestEnvelope{
			AgentID:   w.ClientID,
			RequestID: w.RequestID,
			Method:    w.Method,
			URL:       w.URL,
			Headers:   headers,
			Body:      body,
		}, nil, nil

	case KindResponse:
		headers, herr := decodeHeaders(w.Headers)
		if herr != nil {
			return "", nil, nil, &ErrMalformed{Reason: herr.Error()}
		}
		body, berr := decodeBody(w.Body)
		if berr != nil {
			return "", nil, nil, &ErrMalformed{Reason: berr.Error()}
		}
		if w.RequestID == "" {
			return "", nil, nil, &ErrMalformed{Reason: "response envelope missing requestId"}
		}
		return KindResponse, nil, &ResponseEnvelope{
			AgentID:    w.ClientID,
			RequestID:  w.RequestID,
			StatusCode: w.StatusCode,
			Headers:    headers,
			Body:       body,
		}, nil

	default:
		return "", nil, nil, &ErrMalformed{Reason: fmt.Sprintf("unknown envelope type %q", w.Type)}
	}
}

func decodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
