package clearnode

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved response methods.
const (
	methodError = "error"
	methodPong  = "pong"
)

// rpcMessage is one [id, method, params, timestamp] tuple.
type rpcMessage struct {
	ID        uint64
	Method    string
	Params    json.RawMessage
	Timestamp int64
}

func (m rpcMessage) MarshalJSON() ([]byte, error) {
	params := m.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return json.Marshal([]any{m.ID, m.Method, params, m.Timestamp})
}

func (m *rpcMessage) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) < 3 {
		return fmt.Errorf("rpc tuple has %d elements, want at least 3", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &m.ID); err != nil {
		return fmt.Errorf("rpc id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &m.Method); err != nil {
		return fmt.Errorf("rpc method: %w", err)
	}
	m.Params = tuple[2]
	if len(tuple) > 3 {
		// Timestamps are informational; tolerate floats from lax peers.
		var ts float64
		if err := json.Unmarshal(tuple[3], &ts); err == nil {
			m.Timestamp = int64(ts)
		}
	}
	return nil
}

// envelope is the outer frame. Outbound frames carry req, inbound carry res.
type envelope struct {
	Req json.RawMessage `json:"req,omitempty"`
	Res json.RawMessage `json:"res,omitempty"`
	Sig []string        `json:"sig"`
}

// encodeRequest builds the signed frame for msg. sign receives the exact JSON
// bytes of the req tuple; a nil sign leaves the signature list empty.
func encodeRequest(msg rpcMessage, sign func([]byte) (string, error)) ([]byte, error) {
	req, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	env := envelope{Req: req, Sig: []string{}}
	if sign != nil {
		sig, err := sign(req)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", msg.Method, err)
		}
		env.Sig = []string{sig}
	}
	return json.Marshal(env)
}

// decodeResponse parses an inbound frame. Frames carrying a req tuple instead
// of res are accepted so server-initiated requests still reach the
// notification handler.
func decodeResponse(data []byte) (rpcMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return rpcMessage{}, err
	}
	body := env.Res
	if len(body) == 0 {
		body = env.Req
	}
	if len(body) == 0 {
		return rpcMessage{}, errors.New("frame has neither res nor req")
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return rpcMessage{}, err
	}
	return msg, nil
}

// errorParams is the payload of a method=error response.
type errorParams struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
