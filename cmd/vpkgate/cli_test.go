package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"vpkgate/pkg/policy"
	"vpkgate/pkg/signer"
	"vpkgate/pkg/vpk"
	"vpkgate/services/ingest"
	"vpkgate/services/lifecycle"
	"vpkgate/services/repack"
)

func buildContainer(t *testing.T, files map[string]string) string {
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
	out := filepath.Join(t.TempDir(), "mod.vpk")
	if _, err := vpk.BuildFile(root, out); err != nil {
		t.Fatalf("BuildFile() error = %v", err)
	}
	return out
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var modFiles = map[string]string{
	"addoninfo.txt":      "info",
	"maps/dust.bsp":      "bsp",
	"materials/dust.vmt": "vmt",
}

func TestListCommand(t *testing.T) {
	out, err := run(t, "list", buildContainer(t, modFiles))
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	for _, want := range []string{"maps/dust.bsp", "materials/dust.vmt", "3 entries"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yml")
	if err := os.WriteFile(rules, []byte("require_files: [addoninfo.txt]\nblock_globs: [\"materials/*\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "validate", buildContainer(t, modFiles), "--rules", rules)
	if err == nil {
		t.Fatal("expected rejection")
	}
	var report policy.Report
	if jerr := json.Unmarshal([]byte(out), &report); jerr != nil {
		t.Fatalf("decode report: %v\n%s", jerr, out)
	}
	if report.OK || report.BlockedCount != 1 || report.FileCount != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRepackCommand(t *testing.T) {
	src := buildContainer(t, modFiles)
	dest := filepath.Join(t.TempDir(), "out_server.vpk")

	out, err := run(t, "repack", src, "--output", dest)
	if err != nil {
		t.Fatalf("repack error = %v", err)
	}
	var report repack.BuildReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.Kept != 2 || report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}

	archive, err := vpk.Open(dest)
	if err != nil {
		t.Fatalf("Open(dest) error = %v", err)
	}
	defer archive.Close()
	entries, err := archive.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("rebuilt container has %d entries", len(entries))
	}
}

func TestRepackRejectsBadName(t *testing.T) {
	if _, err := run(t, "repack", "/tmp/not.a.container.vpk"); err == nil {
		t.Fatal("expected invalid name error")
	}
}

func TestVerifyCommandShowsRecipient(t *testing.T) {
	t.Setenv("AGE_PUBLIC_KEY", "")
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := signer.New(id.String(), "")
	if err != nil {
		t.Fatal(err)
	}
	art := lifecycle.Artifact{
		StoredName:      "ab12_0011aabb_server.vpk",
		SHA256:          "ab12",
		SignerKey:       s.PublicKey(),
		SignerRecipient: s.Recipient(),
	}
	payload, err := ingest.SigningBytes(art)
	if err != nil {
		t.Fatal(err)
	}
	if art.Signature, err = s.Sign(payload); err != nil {
		t.Fatal(err)
	}
	doc := filepath.Join(t.TempDir(), "artifact.json")
	data, err := json.Marshal(map[string]any{"accepted": true, "artifact": art})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(doc, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "verify", doc)
	if err != nil {
		t.Fatalf("verify error = %v\n%s", err, out)
	}
	for _, want := range []string{"signature ok (ab12_0011aabb_server.vpk)", "recipient: " + id.Recipient().String()} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
