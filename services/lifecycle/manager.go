package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultScratchStaleAfter = 6 * time.Hour
	defaultOrphanGrace       = time.Hour
)

// Config controls storage locations and reclamation thresholds.
type Config struct {
	// StorageDir holds committed containers, one file per active artifact.
	StorageDir string
	// ScratchRoot holds scratch areas and upload spool files.
	ScratchRoot string
	// ScratchStaleAfter must stay well above the longest expected upload. Sweep treats
	// scratch entries older than this as abandoned.
	ScratchStaleAfter time.Duration
	// OrphanGrace protects files committed but not yet registered.
	OrphanGrace time.Duration

	Replica   Replica
	Publisher Publisher
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// Manager applies lifecycle transitions to artifacts and their backing files.
type Manager struct {
	store Store
	cfg   Config
	log   zerolog.Logger
}

// New validates cfg, applies defaults and creates both directories.
func New(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.StorageDir == "" {
		return nil, errors.New("storage dir is required")
	}
	if cfg.ScratchRoot == "" {
		return nil, errors.New("scratch root is required")
	}
	if cfg.ScratchStaleAfter <= 0 {
		cfg.ScratchStaleAfter = defaultScratchStaleAfter
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = defaultOrphanGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	for _, dir := range []string{cfg.StorageDir, cfg.ScratchRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   logger.With().Str("component", "lifecycle").Logger(),
	}, nil
}

// Store returns the metadata store the manager writes to.
func (m *Manager) Store() Store { return m.store }

// StorageDir returns the directory committed containers live in.
func (m *Manager) StorageDir() string { return m.cfg.StorageDir }

// ScratchRoot returns the directory scratch areas are allocated under.
func (m *Manager) ScratchRoot() string { return m.cfg.ScratchRoot }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.cfg.Now() }

// Path resolves a stored name inside the storage directory.
func (m *Manager) Path(storedName string) (string, error) {
	if !IsStoredName(storedName) {
		return "", fmt.Errorf("%w: stored name %q", ErrInvalidName, storedName)
	}
	return securejoin.SecureJoin(m.cfg.StorageDir, storedName)
}

// Register persists a. Active artifacts must already have a non-empty committed file;
// rejected artifacts carry only their reports.
func (m *Manager) Register(ctx context.Context, a Artifact) (Artifact, error) {
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.cfg.Now().UTC()
	}

	switch a.Status {
	case StatusActive:
		p, err := m.Path(a.StoredName)
		if err != nil {
			return Artifact{}, err
		}
		info, err := os.Stat(p)
		if err != nil {
			return Artifact{}, fmt.Errorf("register %s: %w", a.StoredName, err)
		}
		if !info.Mode().IsRegular() || info.Size() == 0 {
			return Artifact{}, fmt.Errorf("register %s: backing file is empty or not a regular file", a.StoredName)
		}
		a.Size = info.Size()
	case StatusRejected:
	default:
		return Artifact{}, fmt.Errorf("register: unexpected status %q", a.Status)
	}

	id, err := m.store.Create(ctx, a)
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact: %w", err)
	}
	a.ID = id

	subject := SubjectRegistered
	if a.Status == StatusRejected {
		subject = SubjectRejected
	}
	m.publish(subject, a)
	return a, nil
}

// Delete marks the artifact deleted and removes its file and remote copy. Deleting a
// deleted artifact is a no-op.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == StatusDeleted {
		return nil
	}

	err = m.store.Update(ctx, id, Patch{Status: statusPtr(StatusDeleted), IfStatus: a.Status})
	if errors.Is(err, ErrConflict) {
		// A concurrent sweep or delete got there first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}

	if a.Status == StatusActive {
		if err := m.removeFiles(ctx, a); err != nil {
			m.log.Warn().Err(err).Str("artifact", id.String()).Msg("remove deleted artifact")
		}
	}
	a.Status = StatusDeleted
	m.publish(SubjectDeleted, a)
	return nil
}

// SetExpiry changes the expiry of an active artifact. A nil expiry means never.
func (m *Manager) SetExpiry(ctx context.Context, id uuid.UUID, expiresAt *time.Time) (Artifact, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	if a.Status != StatusActive {
		return Artifact{}, ErrNotActive
	}

	patch := Patch{IfStatus: StatusActive}
	if expiresAt == nil {
		patch.ClearExpiry = true
	} else {
		t := expiresAt.UTC()
		patch.ExpiresAt = &t
	}
	if err := m.store.Update(ctx, id, patch); err != nil {
		if errors.Is(err, ErrConflict) {
			return Artifact{}, ErrNotActive
		}
		return Artifact{}, fmt.Errorf("update expiry: %w", err)
	}
	return m.store.Get(ctx, id)
}

// Download is what the download transport needs to serve an artifact.
type Download struct {
	Artifact     Artifact
	Path         string
	OriginalName string
}

// Resolve returns the backing file of an active, unexpired artifact. An artifact that is not
// active, or whose file vanished, is ErrNotFound; an expired one is ErrGone.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID) (Download, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if a.Status != StatusActive {
		return Download{}, ErrNotFound
	}
	if a.Expired(m.cfg.Now()) {
		return Download{}, ErrGone
	}
	p, err := m.Path(a.StoredName)
	if err != nil {
		return Download{}, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Download{}, ErrNotFound
		}
		return Download{}, err
	}
	return Download{Artifact: a, Path: p, OriginalName: a.OriginalName}, nil
}

// removeFiles deletes the local file and the remote copy. A missing file is not an error.
func (m *Manager) removeFiles(ctx context.Context, a Artifact) error {
	var errs []error
	if p, err := m.Path(a.StoredName); err != nil {
		errs = append(errs, err)
	} else if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if m.cfg.Replica != nil && a.RemoteKey != "" {
		if err := m.cfg.Replica.Remove(ctx, a.RemoteKey); err != nil {
			errs = append(errs, fmt.Errorf("remove remote copy %s: %w", a.RemoteKey, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(subject string, a Artifact) {
	if m.cfg.Publisher == nil {
		return
	}
	payload := map[string]any{
		"id":          a.ID,
		"stored_name": a.StoredName,
		"status":      a.Status,
		"tier":        a.Tier,
	}
	if err := m.cfg.Publisher.Publish(subject, payload); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle event")
	}
}
