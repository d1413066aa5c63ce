package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fluxcd/pkg/lockedfile"
	"github.com/google/uuid"

	"vpkgate/services/repack"
)

const (
	sweepLockName = ".sweep.lock"

	// SpoolPrefix starts the name of upload spool files in the scratch root.
	SpoolPrefix = "upload-"
)

// SweepResult lists what one sweep changed. Issues holds per-item failures that were skipped.
type SweepResult struct {
	Expired        []uuid.UUID `json:"expired"`
	Missing        []uuid.UUID `json:"missing"`
	ScratchRemoved []string    `json:"scratch_removed"`
	OrphansRemoved []string    `json:"orphans_removed"`
	Issues         []string    `json:"issues"`
}

// Changed reports whether the sweep modified anything.
func (r SweepResult) Changed() bool {
	return len(r.Expired)+len(r.Missing)+len(r.ScratchRemoved)+len(r.OrphansRemoved) > 0
}

func (r *SweepResult) issue(format string, args ...any) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

// Sweep expires artifacts past their expiry, converges active artifacts whose file vanished,
// removes stale scratch entries and removes untracked files older than the orphan grace.
// It never fails: trouble with individual items is reported in SweepResult.Issues.
// Sweeps are serialized through a lock file in the storage directory.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{
		Expired:        []uuid.UUID{},
		Missing:        []uuid.UUID{},
		ScratchRemoved: []string{},
		OrphansRemoved: []string{},
		Issues:         []string{},
	}

	unlock, err := lockedfile.MutexAt(filepath.Join(m.cfg.StorageDir, sweepLockName)).Lock()
	if err != nil {
		res.issue("acquire sweep lock: %v", err)
		m.record(res)
		return res
	}
	defer unlock()

	now := m.cfg.Now()
	m.expire(ctx, now, &res)
	tracked, ok := m.converge(ctx, &res)
	m.sweepScratch(now, &res)
	if ok {
		m.sweepOrphans(now, tracked, &res)
	}

	m.record(res)
	if res.Changed() || len(res.Issues) > 0 {
		m.log.Info().
			Int("expired", len(res.Expired)).
			Int("missing", len(res.Missing)).
			Int("scratch_removed", len(res.ScratchRemoved)).
			Int("orphans_removed", len(res.OrphansRemoved)).
			Int("issues", len(res.Issues)).
			Msg("sweep finished")
	}
	return res
}

func (m *Manager) expire(ctx context.Context, now time.Time, res *SweepResult) {
	due, err := m.store.List(ctx, ListOptions{Status: StatusActive, ExpiresBefore: now})
	if err != nil {
		res.issue("list expired artifacts: %v", err)
		return
	}
	for _, a := range due {
		err := m.store.Update(ctx, a.ID, Patch{Status: statusPtr(StatusDeleted), IfStatus: StatusActive})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			res.issue("expire %s: %v", a.ID, err)
			continue
		}
		res.Expired = append(res.Expired, a.ID)
		if err := m.removeFiles(ctx, a); err != nil {
			res.issue("remove expired %s: %v", a.StoredName, err)
		}
		m.publish(SubjectExpired, a)
	}
}

// converge marks active artifacts without a backing file as deleted and returns the
// stored names still tracked. ok is false when the tracked set could not be loaded.
func (m *Manager) converge(ctx context.Context, res *SweepResult) (tracked map[string]struct{}, ok bool) {
	active, err := m.store.List(ctx, ListOptions{Status: StatusActive})
	if err != nil {
		res.issue("list active artifacts: %v", err)
		return nil, false
	}
	tracked = make(map[string]struct{}, len(active))
	for _, a := range active {
		tracked[a.StoredName] = struct{}{}

		p, err := m.Path(a.StoredName)
		if err != nil {
			res.issue("artifact %s: %v", a.ID, err)
			continue
		}
		if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		err = m.store.Update(ctx, a.ID, Patch{Status: statusPtr(StatusDeleted), IfStatus: StatusActive})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			res.issue("mark missing %s: %v", a.ID, err)
			continue
		}
		res.Missing = append(res.Missing, a.ID)
		m.publish(SubjectDeleted, a)
	}
	return tracked, true
}

func (m *Manager) sweepScratch(now time.Time, res *SweepResult) {
	entries, err := os.ReadDir(m.cfg.ScratchRoot)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.issue("read scratch root: %v", err)
		}
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, repack.ScratchPrefix) && !strings.HasPrefix(name, SpoolPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.issue("stat scratch %s: %v", name, err)
			}
			continue
		}
		if now.Sub(info.ModTime()) <= m.cfg.ScratchStaleAfter {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.ScratchRoot, name)); err != nil {
			res.issue("remove scratch %s: %v", name, err)
			continue
		}
		res.ScratchRemoved = append(res.ScratchRemoved, name)
	}
}

func (m *Manager) sweepOrphans(now time.Time, tracked map[string]struct{}, res *SweepResult) {
	entries, err := os.ReadDir(m.cfg.StorageDir)
	if err != nil {
		res.issue("read storage dir: %v", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == sweepLockName {
			continue
		}
		if _, ok := tracked[name]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.issue("stat %s: %v", name, err)
			}
			continue
		}
		if now.Sub(info.ModTime()) <= m.cfg.OrphanGrace {
			continue
		}
		if err := os.Remove(filepath.Join(m.cfg.StorageDir, name)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.issue("remove orphan %s: %v", name, err)
			}
			continue
		}
		res.OrphansRemoved = append(res.OrphansRemoved, name)
	}
}
