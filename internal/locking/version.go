// Package locking implements version-based optimistic concurrency control
// for shared records: a pure version check, the conflict error carried back
// to clients, and a transactional compare-and-increment coordinator.
package locking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"mrocore.org/internal/obs"
)

// InitialVersion is assigned to records created without an explicit version.
const InitialVersion int64 = 1

// Hint is returned to clients alongside every conflict.
const Hint = "The resource was modified by another user. Please refresh and try again."

// ErrVersionConflict matches every *ConflictError via errors.Is.
var ErrVersionConflict = errors.New("version conflict")

// Record identifies a lockable resource.
type Record interface {
	ResourceType() string
	ResourceID() int64
}

// Versioned is a Record carrying an optimistic-lock counter.
type Versioned interface {
	Record
	CurrentVersion() int64
}

// Provided is the version a client sent with a mutating request.
type Provided struct {
	Value   int64
	Omitted bool
	Invalid bool
}

// Version wraps an explicit client-supplied version.
func Version(v int64) Provided { return Provided{Value: v} }

// Omitted represents a request that carried no version field.
func Omitted() Provided { return Provided{Omitted: true} }

// ParseVersion interprets a raw JSON version field. Absent or null values are
// treated as omitted; numbers and numeric strings are accepted.
func ParseVersion(raw json.RawMessage) Provided {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Omitted()
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return Version(v)
		}
		return Provided{Invalid: true}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return Version(v)
		}
	}
	return Provided{Invalid: true}
}

// ConflictError reports a stale or unparsable version.
type ConflictError struct {
	ResourceType    string
	ResourceID      int64
	CurrentVersion  int64
	ProvidedVersion *int64
	CurrentData     any
}

func (e *ConflictError) Error() string {
	if e.ProvidedVersion == nil {
		return fmt.Sprintf("%s %d: version conflict (current %d, provided invalid)", e.ResourceType, e.ResourceID, e.CurrentVersion)
	}
	return fmt.Sprintf("%s %d: version conflict (current %d, provided %d)", e.ResourceType, e.ResourceID, e.CurrentVersion, *e.ProvidedVersion)
}

// Is reports whether target is ErrVersionConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// CheckVersion compares the client-supplied version against rec.
//
// Records without a version counter always pass. An omitted version passes
// with a warning so older clients keep working.
func CheckVersion(rec any, provided Provided) error {
	v, ok := rec.(Versioned)
	if !ok {
		return nil
	}
	if provided.Omitted {
		obs.Logger().WithFields(logrus.Fields{
			"resource_type": v.ResourceType(),
			"resource_id":   v.ResourceID(),
		}).Warn("version_not_provided")
		return nil
	}
	current := v.CurrentVersion()
	if provided.Invalid {
		return &ConflictError{
			ResourceType:   v.ResourceType(),
			ResourceID:     v.ResourceID(),
			CurrentVersion: current,
			CurrentData:    rec,
		}
	}
	if provided.Value != current {
		pv := provided.Value
		return &ConflictError{
			ResourceType:    v.ResourceType(),
			ResourceID:      v.ResourceID(),
			CurrentVersion:  current,
			ProvidedVersion: &pv,
			CurrentData:     rec,
		}
	}
	return nil
}
