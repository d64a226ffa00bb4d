package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Now returns the current wall clock time as a Timestamp.
func Now() Timestamp { return TimestampFromTime(time.Now()) }

// Time converts to a UTC time.Time.
func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, int64(t.Nanos)).UTC() }

// Compare orders timestamps chronologically.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Seconds < o.Seconds:
		return -1
	case t.Seconds > o.Seconds:
		return 1
	case t.Nanos < o.Nanos:
		return -1
	case t.Nanos > o.Nanos:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// SnapshotVersion is a server assigned, monotonically increasing version.
type SnapshotVersion struct {
	ts Timestamp
}

var maxVersion = SnapshotVersion{ts: Timestamp{Seconds: 253402300799, Nanos: 999999999}}

// NewSnapshotVersion wraps a timestamp.
func NewSnapshotVersion(ts Timestamp) SnapshotVersion { return SnapshotVersion{ts: ts} }

// VersionFromMicros is a convenience for tests and fixtures.
func VersionFromMicros(us int64) SnapshotVersion {
	return SnapshotVersion{ts: Timestamp{Seconds: us / 1e6, Nanos: int32(us%1e6) * 1000}}
}

// MinVersion is the version of documents that were never observed on the
// server.
func MinVersion() SnapshotVersion { return SnapshotVersion{} }

// MaxVersion sorts after every real version.
func MaxVersion() SnapshotVersion { return maxVersion }

func (v SnapshotVersion) Timestamp() Timestamp { return v.ts }
func (v SnapshotVersion) IsMin() bool { return v == SnapshotVersion{} }
func (v SnapshotVersion) Compare(o SnapshotVersion) int { return v.ts.Compare(o.ts) }
func (v SnapshotVersion) Equal(o SnapshotVersion) bool { return v == o }

// Micros returns the version as microseconds since the epoch.
func (v SnapshotVersion) Micros() int64 {
	return v.ts.Seconds*1e6 + int64(v.ts.Nanos)/1000
}

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d.%09d)", v.ts.Seconds, v.ts.Nanos)
}

func (v SnapshotVersion) MarshalJSON() ([]byte, error) { return json.Marshal(v.ts) }

func (v *SnapshotVersion) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &v.ts) }
