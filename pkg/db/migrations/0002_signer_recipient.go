package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSignerRecipient, downSignerRecipient)
}

type artifactRecipient struct {
	SignerRecipient string `gorm:"type:text"`
}

func (artifactRecipient) TableName() string { return "artifacts" }

func upSignerRecipient(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	m := gormDB.WithContext(ctx).Migrator()
	if m.HasColumn(&artifactRecipient{}, "SignerRecipient") {
		return nil
	}
	return m.AddColumn(&artifactRecipient{}, "SignerRecipient")
}

func downSignerRecipient(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropColumn(&artifactRecipient{}, "SignerRecipient")
}
