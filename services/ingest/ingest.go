// Package ingest runs one upload through spooling, validation, repackaging and registration.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vpkgate/pkg/policy"
	"vpkgate/pkg/signer"
	"vpkgate/pkg/vpk"
	"vpkgate/services/lifecycle"
	"vpkgate/services/repack"
)

// ErrTooLarge is returned when an upload exceeds the configured byte cap.
var ErrTooLarge = errors.New("upload exceeds size limit")

const defaultGuestTTL = 24 * time.Hour

// Mirror receives a copy of every committed container.
type Mirror interface {
	Put(ctx context.Context, storedName, filePath, sha256Hex string) (string, error)
}

// Config wires a Pipeline.
type Config struct {
	Lifecycle *lifecycle.Manager
	Policy    policy.Policy
	// MaxUpload caps the spooled byte count. Zero falls back to Policy.MaxSize.
	MaxUpload   int64
	GuestTTL    time.Duration
	Keep        []string
	ReadOptions []vpk.Option
	Signer      *signer.Signer
	Mirror      Mirror
	Logger      *zerolog.Logger
}

// Pipeline is safe for concurrent use; each Ingest call owns its temp files.
type Pipeline struct {
	cfg Config
	log zerolog.Logger
}

// Upload is one incoming container.
type Upload struct {
	Body     io.Reader
	Filename string
	Tier     lifecycle.Tier
	// TTL is honoured for admin uploads only; zero or negative means never expire.
	TTL      time.Duration
	Uploader string
}

// Outcome is the result of an upload that was read and validated. Rejected uploads are a
// normal outcome with Accepted false, not an error.
type Outcome struct {
	Accepted bool               `json:"accepted"`
	Artifact lifecycle.Artifact `json:"artifact"`
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Lifecycle == nil {
		return nil, errors.New("lifecycle manager is required")
	}
	if cfg.Policy.MaxSize <= 0 {
		cfg.Policy.MaxSize = policy.DefaultMaxSize
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = cfg.Policy.MaxSize
	}
	if cfg.GuestTTL <= 0 {
		cfg.GuestTTL = defaultGuestTTL
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Pipeline{cfg: cfg, log: logger.With().Str("component", "ingest").Logger()}, nil
}

// Policy returns the ruleset uploads are validated against.
func (p *Pipeline) Policy() policy.Policy { return p.cfg.Policy }

// Ingest spools, validates and, when accepted, repackages and registers the upload.
// Only after the rebuilt container has been renamed into storage is it registered.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*Outcome, error) {
	out, err := p.ingest(ctx, up)
	uploadsTotal.WithLabelValues(outcomeLabel(out, err)).Inc()
	return out, err
}

func (p *Pipeline) ingest(ctx context.Context, up Upload) (*Outcome, error) {
	base, err := lifecycle.BaseName(up.Filename)
	if err != nil {
		return nil, err
	}
	if up.Tier == "" {
		up.Tier = lifecycle.TierGuest
	}
	mgr := p.cfg.Lifecycle

	spooled, sum, err := p.spool(up.Body, mgr.ScratchRoot())
	if err != nil {
		return nil, err
	}
	defer os.Remove(spooled)

	validation, _, err := policy.ValidateArchive(spooled, p.cfg.Policy, p.cfg.ReadOptions...)
	if err != nil {
		return nil, err
	}

	now := mgr.Now().UTC()
	a := lifecycle.Artifact{
		StoredName:   lifecycle.NewStoredName(sum),
		OriginalName: up.Filename,
		SHA256:       sum,
		Tier:         up.Tier,
		Uploader:     up.Uploader,
		CreatedAt:    now,
		Reports:      lifecycle.Reports{Validation: validation},
	}

	if !validation.OK {
		a.Status = lifecycle.StatusRejected
		a.Size = validation.SizeBytes
		registered, err := mgr.Register(ctx, a)
		if err != nil {
			return nil, err
		}
		p.log.Info().Str("file", up.Filename).Int("blocked", validation.BlockedCount).
			Strs("missing", validation.MissingRequired).Msg("upload rejected")
		return &Outcome{Accepted: false, Artifact: registered}, nil
	}

	dest, err := mgr.Path(a.StoredName)
	if err != nil {
		return nil, err
	}
	build, err := repack.Repack(ctx, repack.Config{
		Source:      spooled,
		Dest:        dest,
		ScratchRoot: mgr.ScratchRoot(),
		Base:        base,
		Keep:        p.cfg.Keep,
		ReadOptions: p.cfg.ReadOptions,
		Now:         mgr.Now,
	})
	if err != nil {
		return nil, err
	}
	a.Reports.Build = build
	a.Status = lifecycle.StatusActive
	a.ExpiresAt = p.expiry(up, now)

	if p.cfg.Signer.CanSign() {
		if err := p.sign(&a); err != nil {
			os.Remove(dest)
			return nil, err
		}
	}

	registered, err := mgr.Register(ctx, a)
	if err != nil {
		os.Remove(dest)
		return nil, err
	}

	if p.cfg.Mirror != nil {
		p.mirror(ctx, &registered, dest)
	}

	p.log.Info().Str("file", up.Filename).Str("stored", registered.StoredName).
		Int("kept", build.Kept).Int("removed", build.Removed).Msg("upload accepted")
	return &Outcome{Accepted: true, Artifact: registered}, nil
}

// spool copies body into a scratch file while hashing it. Oversized bodies are cut off at
// the cap and the partial file removed.
func (p *Pipeline) spool(body io.Reader, dir string) (string, string, error) {
	f, err := os.CreateTemp(dir, lifecycle.SpoolPrefix+"*.vpk")
	if err != nil {
		return "", "", fmt.Errorf("create spool file: %w", err)
	}
	name := f.Name()

	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), io.LimitReader(body, p.cfg.MaxUpload+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > p.cfg.MaxUpload {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, p.cfg.MaxUpload)
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty upload", vpk.ErrCorrupt)
	}
	if err != nil {
		os.Remove(name)
		return "", "", err
	}
	return name, digester.Digest().Encoded(), nil
}

func (p *Pipeline) expiry(up Upload, now time.Time) *time.Time {
	ttl := p.cfg.GuestTTL
	if up.Tier == lifecycle.TierAdmin {
		if up.TTL <= 0 {
			return nil
		}
		ttl = up.TTL
	}
	t := now.Add(ttl)
	return &t
}

// SigningBytes is the canonical payload signed for an artifact.
func SigningBytes(a lifecycle.Artifact) ([]byte, error) {
	return json.Marshal(struct {
		StoredName string            `json:"stored_name"`
		SHA256     string            `json:"sha256"`
		Reports    lifecycle.Reports `json:"reports"`
	}{a.StoredName, a.SHA256, a.Reports})
}

func (p *Pipeline) sign(a *lifecycle.Artifact) error {
	payload, err := SigningBytes(*a)
	if err != nil {
		return fmt.Errorf("marshal reports for signing: %w", err)
	}
	sig, err := p.cfg.Signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign reports: %w", err)
	}
	a.Signature = sig
	a.SignerKey = p.cfg.Signer.PublicKey()
	a.SignerRecipient = p.cfg.Signer.Recipient()
	return nil
}

// mirror uploads the rebuilt container. a.SHA256 identifies the original upload, so the
// checksum sent along is the one taken when the rebuilt file was committed.
func (p *Pipeline) mirror(ctx context.Context, a *lifecycle.Artifact, path string) {
	key, err := p.cfg.Mirror.Put(ctx, a.StoredName, path, a.Reports.Build.SHA256)
	if err != nil {
		p.log.Warn().Err(err).Str("stored", a.StoredName).Msg("mirror artifact")
		return
	}
	if err := p.cfg.Lifecycle.Store().Update(ctx, a.ID, lifecycle.Patch{RemoteKey: &key}); err != nil {
		p.log.Warn().Err(err).Str("stored", a.StoredName).Msg("record mirror key")
		return
	}
	a.RemoteKey = key
}
