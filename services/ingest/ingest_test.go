package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"filippo.io/age"

	"vpkgate/pkg/policy"
	"vpkgate/pkg/signer"
	"vpkgate/pkg/vpk"
	"vpkgate/services/lifecycle"
)

var testPolicy = policy.Policy{
	MaxSize:      1 << 20,
	RequireFiles: []string{"addoninfo.txt"},
	BlockGlobs:   []string{"bin/*.dll"},
	WarnGlobs:    []string{"scripts/vscripts/*"},
}

type env struct {
	pipeline *Pipeline
	store    *lifecycle.Memory
	storage  string
	scratch  string
	now      time.Time
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		store:   lifecycle.NewMemory(),
		storage: filepath.Join(root, "storage"),
		scratch: filepath.Join(root, "scratch"),
		now:     time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	mgr, err := lifecycle.New(e.store, lifecycle.Config{
		StorageDir:  e.storage,
		ScratchRoot: e.scratch,
		Now:         func() time.Time { return e.now },
	})
	if err != nil {
		t.Fatalf("lifecycle.New() error = %v", err)
	}
	cfg := Config{Lifecycle: mgr, Policy: testPolicy}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.pipeline = p
	return e
}

func container(t *testing.T, files map[string]string) []byte {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(t.TempDir(), "in.vpk")
	if _, err := vpk.BuildFile(root, out); err != nil {
		t.Fatalf("BuildFile() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var goodAddon = map[string]string{
	"addoninfo.txt":       "\"AddonInfo\" {}",
	"maps/c1m1_hotel.bsp": "bsp",
	"maps/c1m1_hotel.nav": "nav",
	"materials/wall.vmt":  "vmt",
	"sound/ambient.wav":   "wav",
}

func TestIngestAccepted(t *testing.T) {
	e := newEnv(t, nil)
	data := container(t, goodAddon)

	out, err := e.pipeline.Ingest(context.Background(), Upload{
		Body:     bytes.NewReader(data),
		Filename: "c1m1_hotel.vpk",
		Uploader: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !out.Accepted {
		t.Fatalf("Accepted = false, report %+v", out.Artifact.Reports.Validation)
	}

	a := out.Artifact
	sum := sha256.Sum256(data)
	if a.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("SHA256 = %s", a.SHA256)
	}
	if a.Status != lifecycle.StatusActive || a.Tier != lifecycle.TierGuest {
		t.Fatalf("status/tier = %s/%s", a.Status, a.Tier)
	}
	if a.ExpiresAt == nil || !a.ExpiresAt.Equal(e.now.Add(24*time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want guest TTL", a.ExpiresAt)
	}
	build := a.Reports.Build
	if build == nil || build.Entries != 5 || build.Kept != 3 || build.Removed != 2 {
		t.Fatalf("build report = %+v", build)
	}

	archive, err := vpk.Open(filepath.Join(e.storage, a.StoredName), vpk.WithVerifyCRC(true))
	if err != nil {
		t.Fatalf("open stored container: %v", err)
	}
	defer archive.Close()
	entries, err := archive.List()
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, entry := range entries {
		paths = append(paths, entry.Path)
	}
	sort.Strings(paths)
	want := []string{"addoninfo.txt", "maps/c1m1_hotel.bsp", "maps/c1m1_hotel.nav"}
	if len(paths) != len(want) {
		t.Fatalf("stored entries = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("stored entries = %v, want %v", paths, want)
		}
	}

	if left := listDir(t, e.scratch); len(left) != 0 {
		t.Fatalf("scratch not empty: %v", left)
	}
	if got, err := e.store.Get(context.Background(), a.ID); err != nil || got.StoredName != a.StoredName {
		t.Fatalf("store.Get() = %+v, %v", got, err)
	}
}

func TestIngestRejected(t *testing.T) {
	e := newEnv(t, nil)
	files := map[string]string{
		"maps/x.bsp":     "bsp",
		"bin/client.dll": "dll",
	}

	out, err := e.pipeline.Ingest(context.Background(), Upload{
		Body:     bytes.NewReader(container(t, files)),
		Filename: "x.vpk",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if out.Accepted {
		t.Fatal("Accepted = true for a blocked container")
	}
	v := out.Artifact.Reports.Validation
	if v.OK || v.BlockedCount != 1 || len(v.MissingRequired) != 1 {
		t.Fatalf("validation = %+v", v)
	}
	if out.Artifact.Status != lifecycle.StatusRejected || out.Artifact.Reports.Build != nil {
		t.Fatalf("artifact = %+v", out.Artifact)
	}
	if left := listDir(t, e.storage); len(left) != 0 {
		t.Fatalf("storage not empty after rejection: %v", left)
	}
	if left := listDir(t, e.scratch); len(left) != 0 {
		t.Fatalf("scratch not empty: %v", left)
	}
}

func TestIngestFailures(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		body     func(t *testing.T) []byte
		mutate   func(*Config)
		wantErr  error
	}{
		{
			name:     "invalid name",
			filename: "addon.tar.vpk",
			body:     func(t *testing.T) []byte { return container(t, goodAddon) },
			wantErr:  lifecycle.ErrInvalidName,
		},
		{
			name:     "too large",
			filename: "big.vpk",
			body:     func(t *testing.T) []byte { return container(t, goodAddon) },
			mutate:   func(c *Config) { c.MaxUpload = 16 },
			wantErr:  ErrTooLarge,
		},
		{
			name:     "corrupt",
			filename: "junk.vpk",
			body:     func(*testing.T) []byte { return []byte("this is not a pak file at all") },
			wantErr:  vpk.ErrCorrupt,
		},
		{
			name:     "empty",
			filename: "empty.vpk",
			body:     func(*testing.T) []byte { return nil },
			wantErr:  vpk.ErrCorrupt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.mutate)
			_, err := e.pipeline.Ingest(context.Background(), Upload{
				Body:     bytes.NewReader(tt.body(t)),
				Filename: tt.filename,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Ingest() error = %v, want %v", err, tt.wantErr)
			}
			for _, dir := range []string{e.storage, e.scratch} {
				if left := listDir(t, dir); len(left) != 0 {
					t.Fatalf("%s not empty: %v", dir, left)
				}
			}
			list, err := e.store.List(context.Background(), lifecycle.ListOptions{})
			if err != nil || len(list) != 0 {
				t.Fatalf("store has %d records (%v)", len(list), err)
			}
		})
	}
}

func TestIngestAdminTTL(t *testing.T) {
	e := newEnv(t, nil)
	tests := []struct {
		ttl  time.Duration
		want *time.Time
	}{
		{ttl: 0},
		{ttl: -time.Hour},
		{ttl: 72 * time.Hour, want: func() *time.Time { t := e.now.Add(72 * time.Hour); return &t }()},
	}
	for _, tt := range tests {
		out, err := e.pipeline.Ingest(context.Background(), Upload{
			Body:     bytes.NewReader(container(t, goodAddon)),
			Filename: "admin.vpk",
			Tier:     lifecycle.TierAdmin,
			TTL:      tt.ttl,
		})
		if err != nil {
			t.Fatalf("Ingest(ttl=%v) error = %v", tt.ttl, err)
		}
		got := out.Artifact.ExpiresAt
		switch {
		case tt.want == nil && got != nil:
			t.Fatalf("ttl=%v: ExpiresAt = %v, want never", tt.ttl, got)
		case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
			t.Fatalf("ttl=%v: ExpiresAt = %v, want %v", tt.ttl, got, tt.want)
		}
	}
}

type fakeMirror struct {
	puts []string
}

// Put checks the digest against the file the way S3 checks ChecksumSHA256.
func (f *fakeMirror) Put(_ context.Context, storedName, filePath, sha256Hex string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != sha256Hex {
		return "", fmt.Errorf("bad digest for %s: sent %s, file hashes to %s", storedName, sha256Hex, got)
	}
	f.puts = append(f.puts, storedName)
	return "artifacts/" + storedName, nil
}

func TestIngestSignsAndMirrors(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := signer.New(id.String(), "")
	if err != nil {
		t.Fatal(err)
	}
	mirror := &fakeMirror{}
	e := newEnv(t, func(c *Config) {
		c.Signer = s
		c.Mirror = mirror
	})

	out, err := e.pipeline.Ingest(context.Background(), Upload{
		Body:     bytes.NewReader(container(t, goodAddon)),
		Filename: "signed.vpk",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	a := out.Artifact
	payload, err := SigningBytes(a)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(payload, a.Signature, a.SignerKey); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if a.SignerRecipient != id.Recipient().String() {
		t.Fatalf("SignerRecipient = %q, want %q", a.SignerRecipient, id.Recipient())
	}

	if len(mirror.puts) != 1 || mirror.puts[0] != a.StoredName {
		t.Fatalf("mirror puts = %v", mirror.puts)
	}
	if a.Reports.Build.SHA256 == a.SHA256 {
		t.Fatalf("build digest equals the upload digest %s", a.SHA256)
	}
	stored, err := e.store.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RemoteKey != "artifacts/"+a.StoredName || a.RemoteKey != stored.RemoteKey {
		t.Fatalf("RemoteKey = %q / %q", stored.RemoteKey, a.RemoteKey)
	}
}

func TestIdenticalUploadsGetDistinctNames(t *testing.T) {
	e := newEnv(t, nil)
	data := container(t, goodAddon)

	names := map[string]bool{}
	for i := 0; i < 3; i++ {
		out, err := e.pipeline.Ingest(context.Background(), Upload{Body: bytes.NewReader(data), Filename: "same.vpk"})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if names[out.Artifact.StoredName] {
			t.Fatalf("stored name %s reused", out.Artifact.StoredName)
		}
		names[out.Artifact.StoredName] = true
	}
	if got := listDir(t, e.storage); len(got) != 3 {
		t.Fatalf("storage holds %v, want 3 files", got)
	}
}
