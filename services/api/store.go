package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"vpkgate/pkg/db"
	"vpkgate/services/lifecycle"
)

const listColumns = `id, stored_name, original_name, sha256, size, tier, uploader, status,
    created_at, expires_at, reports, signature, signer_key, signer_recipient, remote_key`

// PGStore is the Postgres lifecycle.Store. Writes go through GORM, list queries through pgx.
type PGStore struct {
	ORM  *gorm.DB
	Pool *pgxpool.Pool
}

var _ lifecycle.Store = (*PGStore)(nil)

func (s *PGStore) Create(ctx context.Context, a lifecycle.Artifact) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	model := newArtifactModel(a)

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := s.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		return uuid.Nil, err
	}
	return model.ID, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (lifecycle.Artifact, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var model artifactModel
	err := s.ORM.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lifecycle.Artifact{}, lifecycle.ErrNotFound
	}
	if err != nil {
		return lifecycle.Artifact{}, err
	}
	return model.toLifecycle(), nil
}

func (s *PGStore) List(ctx context.Context, opts lifecycle.ListOptions) ([]lifecycle.Artifact, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if opts.Status != "" {
		where = append(where, "status = "+arg(string(opts.Status)))
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		p := arg("%" + escapeLike(q) + "%")
		where = append(where, fmt.Sprintf("(original_name ILIKE %s OR stored_name ILIKE %s)", p, p))
	}
	if !opts.ExpiresBefore.IsZero() {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= "+arg(opts.ExpiresBefore))
	}

	query := "SELECT " + listColumns + " FROM artifacts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}

	var rows []artifactRow
	if err := db.Select(ctx, s.Pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]lifecycle.Artifact, 0, len(rows))
	for _, row := range rows {
		a, err := row.toLifecycle()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PGStore) Update(ctx context.Context, id uuid.UUID, p lifecycle.Patch) error {
	updates := map[string]any{}
	if p.Status != nil {
		updates["status"] = string(*p.Status)
	}
	switch {
	case p.ClearExpiry:
		updates["expires_at"] = nil
	case p.ExpiresAt != nil:
		updates["expires_at"] = *p.ExpiresAt
	}
	if p.RemoteKey != nil {
		updates["remote_key"] = *p.RemoteKey
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	orm := s.ORM.WithContext(ctx)
	if len(updates) > 0 {
		tx := orm.Model(&artifactModel{}).Where("id = ?", id)
		if p.IfStatus != "" {
			tx = tx.Where("status = ?", string(p.IfStatus))
		}
		res := tx.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
	}

	var current artifactModel
	err := orm.Select("status").First(&current, "id = ?", id).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return lifecycle.ErrNotFound
	case err != nil:
		return err
	case p.IfStatus != "" && lifecycle.Status(current.Status) != p.IfStatus:
		return lifecycle.ErrConflict
	}
	return nil
}

func (r artifactRow) toLifecycle() (lifecycle.Artifact, error) {
	var reports lifecycle.Reports
	if len(r.Reports) > 0 {
		if err := json.Unmarshal(r.Reports, &reports); err != nil {
			return lifecycle.Artifact{}, fmt.Errorf("decode reports of %s: %w", r.ID, err)
		}
	}
	return lifecycle.Artifact{
		ID:              r.ID,
		StoredName:      r.StoredName,
		OriginalName:    r.OriginalName,
		SHA256:          r.SHA256,
		Size:            r.Size,
		Tier:            lifecycle.Tier(r.Tier),
		Uploader:        deref(r.Uploader),
		Status:          lifecycle.Status(r.Status),
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		Reports:         reports,
		Signature:       deref(r.Signature),
		SignerKey:       deref(r.SignerKey),
		SignerRecipient: deref(r.SignerRecipient),
		RemoteKey:       deref(r.RemoteKey),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
