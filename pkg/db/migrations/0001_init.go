package migrations

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FS holds the migration sources so goose can match versions to registered functions.
//
//go:embed *.go
var FS embed.FS

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Export is one spreadsheet export attempt.
type Export struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Status      string         `gorm:"type:text;not null;index"`
	Step        string         `gorm:"type:text"`
	Error       string         `gorm:"type:text"`
	Filter      datatypes.JSON `gorm:"type:jsonb"`
	ExecutionID string         `gorm:"type:text"`
	FileID      string         `gorm:"type:text"`
	FileName    string         `gorm:"type:text"`
	SizeBytes   int64          `gorm:"type:bigint;not null;default:0"`
	ArchiveURL  string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();index"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Export{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Export{})
}
