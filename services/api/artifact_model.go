package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"vpkgate/services/lifecycle"
)

type artifactModel struct {
	ID              uuid.UUID                             `gorm:"type:uuid;primaryKey"`
	StoredName      string                                `gorm:"type:text;not null"`
	OriginalName    string                                `gorm:"type:text;not null"`
	SHA256          string                                `gorm:"type:text;not null"`
	Size            int64                                 `gorm:"type:bigint;not null"`
	Tier            string                                `gorm:"type:text;not null"`
	Uploader        string                                `gorm:"type:text"`
	Status          string                                `gorm:"type:text;not null"`
	CreatedAt       time.Time                             `gorm:"type:timestamptz;not null"`
	ExpiresAt       *time.Time                            `gorm:"type:timestamptz"`
	Reports         datatypes.JSONType[lifecycle.Reports] `gorm:"type:jsonb;not null"`
	Signature       string                                `gorm:"type:text"`
	SignerKey       string                                `gorm:"type:text"`
	SignerRecipient string                                `gorm:"type:text"`
	RemoteKey       string                                `gorm:"type:text"`
}

func (artifactModel) TableName() string { return "artifacts" }

func newArtifactModel(a lifecycle.Artifact) artifactModel {
	return artifactModel{
		ID:              a.ID,
		StoredName:      a.StoredName,
		OriginalName:    a.OriginalName,
		SHA256:          a.SHA256,
		Size:            a.Size,
		Tier:            string(a.Tier),
		Uploader:        a.Uploader,
		Status:          string(a.Status),
		CreatedAt:       a.CreatedAt,
		ExpiresAt:       a.ExpiresAt,
		Reports:         datatypes.NewJSONType(a.Reports),
		Signature:       a.Signature,
		SignerKey:       a.SignerKey,
		SignerRecipient: a.SignerRecipient,
		RemoteKey:       a.RemoteKey,
	}
}

func (m artifactModel) toLifecycle() lifecycle.Artifact {
	return lifecycle.Artifact{
		ID:              m.ID,
		StoredName:      m.StoredName,
		OriginalName:    m.OriginalName,
		SHA256:          m.SHA256,
		Size:            m.Size,
		Tier:            lifecycle.Tier(m.Tier),
		Uploader:        m.Uploader,
		Status:          lifecycle.Status(m.Status),
		CreatedAt:       m.CreatedAt,
		ExpiresAt:       m.ExpiresAt,
		Reports:         m.Reports.Data(),
		Signature:       m.Signature,
		SignerKey:       m.SignerKey,
		SignerRecipient: m.SignerRecipient,
		RemoteKey:       m.RemoteKey,
	}
}

// artifactRow is the scan target for list queries.
type artifactRow struct {
	ID              uuid.UUID  `db:"id"`
	StoredName      string     `db:"stored_name"`
	OriginalName    string     `db:"original_name"`
	SHA256          string     `db:"sha256"`
	Size            int64      `db:"size"`
	Tier            string     `db:"tier"`
	Uploader        *string    `db:"uploader"`
	Status          string     `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	ExpiresAt       *time.Time `db:"expires_at"`
	Reports         []byte     `db:"reports"`
	Signature       *string    `db:"signature"`
	SignerKey       *string    `db:"signer_key"`
	SignerRecipient *string    `db:"signer_recipient"`
	RemoteKey       *string    `db:"remote_key"`
}
