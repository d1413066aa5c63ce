package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Artifact struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	StoredName   string         `gorm:"type:text;uniqueIndex;not null"`
	OriginalName string         `gorm:"type:text;not null"`
	SHA256       string         `gorm:"type:text;not null;index"`
	Size         int64          `gorm:"type:bigint;not null"`
	Tier         string         `gorm:"type:text;not null"`
	Uploader     string         `gorm:"type:text"`
	Status       string         `gorm:"type:text;not null;index:idx_artifacts_status_expires,priority:1"`
	CreatedAt    time.Time      `gorm:"type:timestamptz;not null;default:now();index"`
	ExpiresAt    *time.Time     `gorm:"type:timestamptz;index:idx_artifacts_status_expires,priority:2"`
	Reports      datatypes.JSON `gorm:"type:jsonb;not null"`
	Signature    string         `gorm:"type:text"`
	SignerKey    string         `gorm:"type:text"`
	RemoteKey    string         `gorm:"type:text"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Artifact{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Artifact{})
}
