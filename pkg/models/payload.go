package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is an opaque string-keyed map whose values are passed through verbatim.
// Job settings and result data use it; the coordinator never interprets the values.
type Payload map[string]json.RawMessage

// Clone returns a copy of the payload
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// Validate checks that every value is well-formed JSON
func (p Payload) Validate() error {
	for k, v := range p {
		if !json.Valid(v) {
			return fmt.Errorf("value for key %q is not valid JSON", k)
		}
	}
	return nil
}

// Value implements driver.Valuer so payloads can be stored in JSON/TEXT columns
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *Payload) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}
	if len(raw) == 0 || string(raw) == "null" {
		*p = nil
		return nil
	}
	return json.Unmarshal(raw, p)
}

// Now returns the current UTC time truncated to the precision every store keeps
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
