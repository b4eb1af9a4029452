package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Origin says which kind of connection produced a request. It is taken from
// the authenticated connection, never from the payload.
type Origin int

const (
	OriginDevice Origin = iota
	OriginApp
)

func (o Origin) String() string {
	if o == OriginApp {
		return "app"
	}
	return "device"
}

// Kind is the classification of an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
)

// Sequence is a caller-chosen correlation token. On the wire it may be a
// JSON string or number; it is always handled as a string.
type Sequence string

// UnmarshalJSON accepts a string, a number, or null.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Sequence(str)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("sequence must be a string or number: %w", err)
		}
		*s = Sequence(n.String())
		return nil
	}
}

// Request is an action sent by a device or an app.
type Request struct {
	Action   string          `json:"action"`
	APIKey   string          `json:"apikey"`
	DeviceID string          `json:"deviceid"`
	Sequence Sequence        `json:"sequence,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`

	// Origin and Conn are attached by the connection handler.
	Origin Origin `json:"-"`
	Conn   Conn   `json:"-"`
}

// Response is the terminal answer to a Request. Error 0 means success.
type Response struct {
	Error    int             `json:"error"`
	Reason   string          `json:"reason,omitempty"`
	Sequence Sequence        `json:"sequence,omitempty"`
	DeviceID string          `json:"deviceid,omitempty"`
	APIKey   string          `json:"apikey,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Date     string          `json:"date,omitempty"`
}

// OK reports whether the response is a success.
func (r Response) OK() bool { return r.Error == CodeOK }

// Classify decodes a raw frame. A JSON object with non-empty string action,
// deviceid and apikey is a request; an object whose error field is a number
// is a response; anything else is unknown and must be dropped without reply.
func Classify(raw []byte) (Kind, *Request, *Response) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return KindUnknown, nil, nil
	}

	if nonEmptyString(probe["action"]) && nonEmptyString(probe["deviceid"]) && nonEmptyString(probe["apikey"]) {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return KindUnknown, nil, nil
		}
		return KindRequest, &req, nil
	}

	if isNumber(probe["error"]) {
		var res Response
		if err := json.Unmarshal(raw, &res); err != nil {
			return KindUnknown, nil, nil
		}
		return KindResponse, nil, &res
	}

	return KindUnknown, nil, nil
}

// Encode serialises a request or response for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

func nonEmptyString(raw json.RawMessage) bool {
	if len(raw) == 0 || raw[0] != '"' {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s != ""
}

func isNumber(raw json.RawMessage) bool {
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return false
	}
	var n float64
	return json.Unmarshal(raw, &n) == nil
}

// isObject reports whether raw holds a JSON object.
func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
