package device

import (
	"maps"
	"time"
)

// Params is the free-form state object a device reports, for example
// {"switch": "on"} for a relay.
type Params map[string]any

// Merge returns a copy of p with every top-level key of partial applied over it.
// Nested objects are replaced, not merged.
func (p Params) Merge(partial Params) Params {
	merged := make(Params, len(p)+len(partial))
	maps.Copy(merged, p)
	maps.Copy(merged, partial)
	return merged
}

// Select returns the subset of p named by keys. Keys that are absent are skipped.
// An empty keys list selects everything.
func (p Params) Select(keys []string) Params {
	if len(keys) == 0 {
		return p.Merge(nil)
	}
	out := make(Params, len(keys))
	for _, k := range keys {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Device is a device owned by an account. APIKey is the owner's key.
type Device struct {
	DeviceID  string    `json:"deviceid"`
	APIKey    string    `json:"apikey"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Group     string    `json:"group"`
	Online    bool      `json:"online"`
	Params    Params    `json:"params"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FactoryDevice is a device as shipped. APIKey is the key flashed into the
// hardware, not the owner's.
type FactoryDevice struct {
	DeviceID  string    `json:"deviceid"`
	APIKey    string    `json:"apikey"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Update is one entry in a device's history. Exactly one of Online and
// Params is set.
type Update struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"deviceid"`
	Online    *bool     `json:"online,omitempty"`
	Params    Params    `json:"params,omitempty"`
	CreatedAt time.Time `json:"date"`
}
