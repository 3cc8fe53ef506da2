package locking

import (
	"encoding/json"
	"errors"
	"testing"
)

type part struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

func (p part) ResourceType() string  { return "part" }
func (p part) ResourceID() int64     { return p.ID }
func (p part) CurrentVersion() int64 { return p.Version }

type label struct{ ID int64 }

func TestParseVersion(t *testing.T) {
	cases := []struct {
		raw  string
		want Provided
	}{
		{"", Omitted()},
		{"null", Omitted()},
		{"3", Version(3)},
		{`"7"`, Version(7)},
		{`" 8 "`, Version(8)},
		{`"abc"`, Provided{Invalid: true}},
		{"1.5", Provided{Invalid: true}},
		{"true", Provided{Invalid: true}},
		{`{}`, Provided{Invalid: true}},
	}
	for _, tc := range cases {
		if got := ParseVersion(json.RawMessage(tc.raw)); got != tc.want {
			t.Fatalf("ParseVersion(%q)=%+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestCheckVersionUnversionedRecordPasses(t *testing.T) {
	if err := CheckVersion(label{ID: 1}, Version(99)); err != nil {
		t.Fatalf("expected no-op for unversioned record, got %v", err)
	}
}

func TestCheckVersionOmittedPasses(t *testing.T) {
	if err := CheckVersion(part{ID: 1, Version: 4}, Omitted()); err != nil {
		t.Fatalf("expected omitted version to pass, got %v", err)
	}
}

func TestCheckVersionMatch(t *testing.T) {
	if err := CheckVersion(part{ID: 1, Version: 4}, Version(4)); err != nil {
		t.Fatalf("expected match to pass, got %v", err)
	}
}

func TestCheckVersionMismatch(t *testing.T) {
	rec := part{ID: 12, Name: "torque wrench", Version: 5}
	err := CheckVersion(rec, Version(4))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.CurrentVersion != 5 || conflict.ProvidedVersion == nil || *conflict.ProvidedVersion != 4 {
		t.Fatalf("unexpected versions: %+v", conflict)
	}
	if conflict.ResourceType != "part" || conflict.ResourceID != 12 {
		t.Fatalf("unexpected resource: %+v", conflict)
	}
	if data, ok := conflict.CurrentData.(part); !ok || data.Name != "torque wrench" {
		t.Fatalf("expected current data snapshot, got %#v", conflict.CurrentData)
	}
}

func TestCheckVersionInvalid(t *testing.T) {
	err := CheckVersion(part{ID: 3, Version: 2}, ParseVersion(json.RawMessage(`"two"`)))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ProvidedVersion != nil {
		t.Fatalf("expected nil provided version, got %d", *conflict.ProvidedVersion)
	}
	if conflict.CurrentVersion != 2 {
		t.Fatalf("unexpected current version: %d", conflict.CurrentVersion)
	}
}
