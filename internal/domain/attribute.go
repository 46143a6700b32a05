package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// AttributeKind identifies the type carried by an AttributeValue.
type AttributeKind int

const (
	AttributeString AttributeKind = iota + 1
	AttributeInteger
	AttributeTimestamp
)

// AttributeValue is a single typed value reported by an endpoint.
// The zero value is an absent attribute.
type AttributeValue struct {
	kind AttributeKind
	str  string
	num  int64
	ts   time.Time
}

// StringValue returns a string attribute.
func StringValue(s string) AttributeValue {
	return AttributeValue{kind: AttributeString, str: s}
}

// IntValue returns an integer attribute.
func IntValue(n int64) AttributeValue {
	return AttributeValue{kind: AttributeInteger, num: n}
}

// TimestampValue returns a timestamp attribute.
func TimestampValue(t time.Time) AttributeValue {
	return AttributeValue{kind: AttributeTimestamp, ts: t.UTC()}
}

// Kind returns the value's type, or 0 for an absent value.
func (v AttributeValue) Kind() AttributeKind { return v.kind }

// String renders the value the way regex predicates see it.
// Integers are rendered in decimal, timestamps in RFC 3339.
func (v AttributeValue) String() string {
	switch v.kind {
	case AttributeString:
		return v.str
	case AttributeInteger:
		return strconv.FormatInt(v.num, 10)
	case AttributeTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Int returns the integer form of the value. Timestamps are converted to
// microseconds since the Unix epoch, which is how endpoint clocks are
// reported. Strings never convert.
func (v AttributeValue) Int() (int64, bool) {
	switch v.kind {
	case AttributeInteger:
		return v.num, true
	case AttributeTimestamp:
		return v.ts.UnixMicro(), true
	default:
		return 0, false
	}
}

// Time returns the timestamp carried by the value.
func (v AttributeValue) Time() (time.Time, bool) {
	if v.kind != AttributeTimestamp {
		return time.Time{}, false
	}
	return v.ts, true
}

type timestampJSON struct {
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON encodes strings and integers as plain JSON values and
// timestamps as {"timestamp": "<RFC 3339>"}.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case AttributeString:
		return json.Marshal(v.str)
	case AttributeInteger:
		return json.Marshal(v.num)
	case AttributeTimestamp:
		return json.Marshal(timestampJSON{Timestamp: v.ts})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts the forms produced by MarshalJSON. Numbers must be
// integral.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = AttributeValue{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case '{':
		var ts timestampJSON
		if err := json.Unmarshal(data, &ts); err != nil {
			return err
		}
		*v = TimestampValue(ts.Timestamp)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported attribute value %s", data)
		}
		if i, err := n.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("attribute value %s is not an integer", data)
		}
		i, ok := FloatToInt64(f)
		if !ok {
			return fmt.Errorf("attribute value %s is not an integer", data)
		}
		*v = IntValue(i)
		return nil
	}
}

// FloatToInt64 converts an integral float in the int64 range. float64
// cannot represent math.MaxInt64, which rounds up to 2^63, so the upper
// bound is exclusive.
func FloatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// AttributeSnapshot is the full set of attributes an endpoint reports at
// check-in. A new check-in replaces the previous snapshot; snapshots are
// never merged.
type AttributeSnapshot map[string]AttributeValue

// Get returns the named attribute and whether it is present.
func (s AttributeSnapshot) Get(name string) (AttributeValue, bool) {
	v, ok := s[name]
	if !ok || v.kind == 0 {
		return AttributeValue{}, false
	}
	return v, true
}

// Clone returns a copy of the snapshot.
func (s AttributeSnapshot) Clone() AttributeSnapshot {
	out := make(AttributeSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Well-known attribute names.
const (
	AttrSystem        = "System"
	AttrClock         = "Clock"
	AttrHostname      = "Hostname"
	AttrTags          = "Tags"
	AttrClientVersion = "ClientVersion"
	AttrUser          = "User"
)
