package render

import (
	"strings"
	"testing"
	"time"
)

type validation struct {
	OK              bool
	SizeBytes       int64
	MaxSize         int64
	FileCount       int
	RequiredPresent []string
	MissingRequired []string
	BlockedHits     []string
	BlockedCount    int
	WarnedHits      []string
	WarnedCount     int
}

type build struct {
	Entries, Kept, Removed int
	Size                   int64
	SHA256                 string
	RemovedSample          []string
}

type reports struct {
	Validation validation
	Build      *build
}

type artifact struct {
	ID              string
	OriginalName    string
	StoredName      string
	SHA256          string
	Status          string
	Tier            string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Reports         reports
	Signature       string
	SignerKey       string
	SignerRecipient string
}

func TestRenderReport(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	a := artifact{
		ID:           "7d1b",
		OriginalName: "c1m1.vpk",
		StoredName:   "abc_0011aabb_server.vpk",
		Status:       "active",
		Tier:         "guest",
		CreatedAt:    created,
		Reports: reports{
			Validation: validation{OK: true, SizeBytes: 2048, MaxSize: 1 << 20, FileCount: 4,
				RequiredPresent: []string{"addoninfo.txt"}, WarnedHits: []string{"scripts/vscripts/a.nut"}, WarnedCount: 1},
			Build: &build{Entries: 4, Kept: 2, Removed: 2, Size: 512, SHA256: "9f86d081", RemovedSample: []string{"readme.md"}},
		},
	}

	out, err := e.Render(Report, map[string]any{"Artifact": a})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{
		"file:        c1m1.vpk",
		"created:     2026-02-03T04:05:06Z",
		"expires:     never",
		"validation:  passed",
		"size:        2.0 KiB of 1.0 MiB",
		"warnings (1):\n  scripts/vscripts/a.nut",
		"build:       kept 2 of 4, removed 2",
		"removed:\n  readme.md",
		"output sha:  9f86d081",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "signature:") {
		t.Fatalf("unsigned report mentions a signature:\n%s", out)
	}

	expires := created.Add(24 * time.Hour)
	a.ExpiresAt = &expires
	a.Reports.Build = nil
	out, err = e.Render(Report, map[string]any{"Artifact": a})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "expires:     2026-02-04T04:05:06Z") || strings.Contains(out, "build:") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestRenderSignedReport(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	a := artifact{
		ID:              "7d1b",
		Status:          "active",
		Signature:       "c2ln",
		SignerKey:       "a2V5",
		SignerRecipient: "age1qyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqs3290gq",
	}
	out, err := e.Render(Report, map[string]any{"Artifact": a})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{
		"signature:   c2ln",
		"signer key:  a2V5",
		"recipient:   age1qyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqs3290gq",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}

	a.SignerRecipient = ""
	out, err = e.Render(Report, map[string]any{"Artifact": a})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "recipient:") {
		t.Fatalf("report shows an empty recipient:\n%s", out)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Render("missing.tmpl", nil); err == nil {
		t.Fatal("Render() succeeded for an unknown template")
	}
}
