package backends

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	envelopeKindScalar = "scalar"
	envelopeKindList   = "list"
)

// envelope is the JSON record stored by adapters over object and key-value
// stores that have no native lists or per-write TTL. Kind and expiry travel
// with the value.
type envelope struct {
	Kind      string   `json:"k"`
	Value     []byte   `json:"v,omitempty"`
	Items     [][]byte `json:"i,omitempty"`
	ExpiresAt int64    `json:"e,omitempty"` // unix nanos, 0 for none
}

func scalarEnvelope(value []byte, expiresAt time.Time) envelope {
	e := envelope{Kind: envelopeKindScalar, Value: value}
	if !expiresAt.IsZero() {
		e.ExpiresAt = expiresAt.UnixNano()
	}
	return e
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// incr applies Incr to e. A zero envelope counts as zero.
func (e *envelope) incr() (int64, error) {
	if e.Kind == "" {
		*e = envelope{Kind: envelopeKindScalar, Value: []byte("0")}
	}
	if e.Kind != envelopeKindScalar {
		return 0, ErrWrongType
	}
	n, err := parseCounter(e.Value)
	if err != nil {
		return 0, err
	}
	n++
	e.Value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// append applies Append to e. A zero envelope is an empty list.
func (e *envelope) append(item []byte) error {
	if e.Kind == "" {
		e.Kind = envelopeKindList
	}
	if e.Kind != envelopeKindList {
		return ErrWrongType
	}
	e.Items = append(e.Items, cloneBytes(item))
	return nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("corrupt record: %w", err)
	}
	return e, nil
}

// encodeObjectKey maps an arbitrary key into the restricted alphabet that
// bucket and object keys accept.
func encodeObjectKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}
