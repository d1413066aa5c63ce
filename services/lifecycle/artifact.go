// Package lifecycle owns persisted server containers: naming, registration, expiry and reclamation.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vpkgate/pkg/policy"
	"vpkgate/services/repack"
)

var (
	// ErrNotFound is returned when no artifact has the requested id.
	ErrNotFound = errors.New("artifact not found")
	// ErrGone is returned when an artifact exists but has expired.
	ErrGone = errors.New("artifact expired")
	// ErrNotActive is returned by administrative changes aimed at a rejected or deleted artifact.
	ErrNotActive = errors.New("artifact is not active")
	// ErrConflict is returned by Store.Update when the artifact changed state underneath the caller.
	ErrConflict = errors.New("artifact changed concurrently")
)

// Status of an artifact. Deleted is terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusDeleted  Status = "deleted"
)

// Tier records who uploaded an artifact.
type Tier string

const (
	TierGuest Tier = "guest"
	TierAdmin Tier = "admin"
)

// Reports is stored verbatim with every artifact. Build is nil for rejected uploads.
type Reports struct {
	Validation policy.Report       `json:"validation"`
	Build      *repack.BuildReport `json:"build,omitempty"`
}

// Artifact is the metadata of one upload and, when active, its rebuilt container.
type Artifact struct {
	ID              uuid.UUID  `json:"id"`
	StoredName      string     `json:"stored_name"`
	OriginalName    string     `json:"original_name"`
	SHA256          string     `json:"sha256"`
	Size            int64      `json:"size"`
	Tier            Tier       `json:"tier"`
	Uploader        string     `json:"uploader,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at"`
	Reports         Reports    `json:"reports"`
	Signature       string     `json:"signature,omitempty"`
	SignerKey       string     `json:"signer_key,omitempty"`
	SignerRecipient string     `json:"signer_recipient,omitempty"`
	RemoteKey       string     `json:"remote_key,omitempty"`
}

// Expired reports whether the artifact has an expiry at or before now.
func (a Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// ListOptions filters Store.List. Results are ordered newest first.
type ListOptions struct {
	Status Status
	// Query matches a case-insensitive substring of the original or stored name.
	Query string
	// ExpiresBefore selects artifacts with an expiry at or before the given time.
	ExpiresBefore time.Time
	Limit         int
}

// Patch is a partial update. Only non-nil fields are written.
type Patch struct {
	Status *Status
	// ExpiresAt sets a new expiry; ClearExpiry makes the artifact never expire.
	ExpiresAt   *time.Time
	ClearExpiry bool
	RemoteKey   *string
	// IfStatus makes the update conditional on the current status.
	IfStatus Status
}

// Store is the metadata store. It is the single source of truth for which stored names are tracked.
type Store interface {
	Create(ctx context.Context, a Artifact) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (Artifact, error)
	List(ctx context.Context, opts ListOptions) ([]Artifact, error)
	Update(ctx context.Context, id uuid.UUID, p Patch) error
}

// Replica holds remote copies of stored containers.
type Replica interface {
	Remove(ctx context.Context, key string) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(subject string, payload any) error
}

// Event subjects.
const (
	SubjectRegistered = "vpkgate.artifacts.registered"
	SubjectRejected   = "vpkgate.artifacts.rejected"
	SubjectExpired    = "vpkgate.artifacts.expired"
	SubjectDeleted    = "vpkgate.artifacts.deleted"
)

func statusPtr(s Status) *Status { return &s }
