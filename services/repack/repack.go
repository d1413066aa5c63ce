// Package repack rebuilds an uploaded container into a server-only subset.
package repack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"

	"vpkgate/pkg/policy"
	"vpkgate/pkg/vpk"
)

const (
	// ScratchPrefix starts the name of every scratch directory.
	ScratchPrefix = "repack-"

	extractedDir = "extracted"
	keptDir      = "kept"
)

// ErrBuildFailure wraps every error that aborts a repackage.
var ErrBuildFailure = errors.New("repack failed")

// BuildReport describes one repackaging run.
type BuildReport struct {
	Entries       int      `json:"entries"`
	Kept          int      `json:"kept"`
	Removed       int      `json:"removed"`
	RemovedSample []string `json:"removed_sample"`
	// Name is the base name of the rebuilt container, never its storage path.
	Name string `json:"name"`
	Size int64  `json:"size"`
	// SHA256 is the hex digest of the rebuilt container as committed.
	SHA256  string    `json:"sha256"`
	BuiltAt time.Time `json:"built_at"`
}

// Repack extracts cfg.Source into a fresh scratch area, keeps whitelisted entries and
// writes the rebuilt container to cfg.Dest. The scratch area is removed on every return,
// and cfg.Dest is only created by a rename after the writer finished.
func Repack(ctx context.Context, cfg Config) (*BuildReport, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrBuildFailure)
	}
	if cfg.Dest == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrBuildFailure)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Keep) == 0 {
		cfg.Keep = ServerKeepGlobs
	}
	if cfg.RemovedSampleLimit <= 0 {
		cfg.RemovedSampleLimit = DefaultRemovedSampleLimit
	}
	if cfg.ScratchRoot != "" {
		if err := os.MkdirAll(cfg.ScratchRoot, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create scratch root: %v", ErrBuildFailure, err)
		}
	}

	scratch, err := os.MkdirTemp(cfg.ScratchRoot, ScratchPrefix+sanitize(cfg.Base)+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: scratch dir: %v", ErrBuildFailure, err)
	}
	defer os.RemoveAll(scratch)

	report, err := run(ctx, cfg, scratch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailure, err)
	}
	return report, nil
}

func run(ctx context.Context, cfg Config, scratch string) (*BuildReport, error) {
	extracted := filepath.Join(scratch, extractedDir)
	kept := filepath.Join(scratch, keptDir)
	for _, dir := range []string{extracted, kept} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", dir, err)
		}
	}

	paths, err := extract(ctx, cfg.Source, extracted, cfg.ReadOptions)
	if err != nil {
		return nil, err
	}

	report := &BuildReport{
		Entries:       len(paths),
		RemovedSample: []string{},
	}
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !policy.MatchAny(policy.Normalize(rel), cfg.Keep) {
			report.Removed++
			if len(report.RemovedSample) < cfg.RemovedSampleLimit {
				report.RemovedSample = append(report.RemovedSample, rel)
			}
			continue
		}
		if err := copyEntry(extracted, kept, rel); err != nil {
			return nil, err
		}
		report.Kept++
	}

	size, sum, err := commit(kept, cfg.Dest)
	if err != nil {
		return nil, err
	}
	report.Name = filepath.Base(cfg.Dest)
	report.Size = size
	report.SHA256 = sum.Encoded()
	report.BuiltAt = cfg.Now().UTC()
	return report, nil
}

// extract writes every entry below dir and returns the relative paths in index order.
func extract(ctx context.Context, source, dir string, opts []vpk.Option) ([]string, error) {
	archive, err := vpk.Open(source, opts...)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	var paths []string
	seen := map[string]struct{}{}
	it := archive.Entries()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		rel := strings.TrimLeft(strings.ReplaceAll(entry.Path, `\`, "/"), "/")
		target, err := securejoin.SecureJoin(dir, rel)
		if err != nil {
			return nil, fmt.Errorf("resolve entry %q: %w", entry.Path, err)
		}
		rel, err = filepath.Rel(dir, target)
		if err != nil || rel == "." {
			return nil, fmt.Errorf("invalid entry path %q", entry.Path)
		}
		rel = filepath.ToSlash(rel)
		// Entries differing only in case would land on one file on case-insensitive disks.
		key := strings.ToLower(rel)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate entry path %q", entry.Path)
		}
		seen[key] = struct{}{}

		if err := writeEntry(archive, entry, target); err != nil {
			return nil, err
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

func writeEntry(archive *vpk.Archive, entry vpk.Entry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir for %q: %w", entry.Path, err)
	}
	r, err := archive.Open(entry)
	if err != nil {
		return err
	}
	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %q: %w", entry.Path, err)
	}
	n, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("extract %q: %w", entry.Path, err)
	}
	if n != entry.Size {
		return fmt.Errorf("%w: %q has %d bytes, index declares %d", vpk.ErrCorrupt, entry.Path, n, entry.Size)
	}
	return nil
}

func copyEntry(fromRoot, toRoot, rel string) error {
	from := filepath.Join(fromRoot, filepath.FromSlash(rel))
	to := filepath.Join(toRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("mkdir for %q: %w", rel, err)
	}
	// Both trees live in the same scratch area, so a hard link avoids a second copy.
	if err := os.Link(from, to); err == nil {
		return nil
	}

	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("open %q: %w", rel, err)
	}
	defer src.Close()
	dst, err := os.Create(to)
	if err != nil {
		return fmt.Errorf("create %q: %w", rel, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %q: %w", rel, err)
	}
	return dst.Close()
}

// commit builds into a temp file next to dest, digests it and renames it into place.
func commit(sourceRoot, dest string) (int64, digest.Digest, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp output: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	stats, err := vpk.BuildFile(sourceRoot, tmpName)
	if err != nil {
		os.Remove(tmpName)
		return 0, "", err
	}
	sum, err := digestFile(tmpName)
	if err != nil {
		os.Remove(tmpName)
		return 0, "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, "", fmt.Errorf("rename output: %w", err)
	}
	return stats.Size, sum, nil
}

func digestFile(name string) (digest.Digest, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	sum, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest output: %w", err)
	}
	return sum, nil
}

func sanitize(base string) string {
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if len(base) > 64 {
		base = base[:64]
	}
	if base == "" {
		base = "upload"
	}
	return base
}
