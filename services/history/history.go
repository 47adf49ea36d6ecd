package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"metricsd/pkg/db"
	"metricsd/pkg/db/migrations"
	"metricsd/services/exports"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrNotFound is returned when no export has the requested id.
var ErrNotFound = errors.New("export not found")

// Record is a stored export attempt.
type Record struct {
	ID          uuid.UUID           `json:"id" db:"id"`
	Status      string              `json:"status" db:"status"`
	Step        string              `json:"step,omitempty" db:"step"`
	Error       string              `json:"error,omitempty" db:"error"`
	Filter      map[string][]string `json:"filter" db:"filter"`
	ExecutionID string              `json:"execution_id,omitempty" db:"execution_id"`
	FileID      string              `json:"file_id,omitempty" db:"file_id"`
	FileName    string              `json:"file_name,omitempty" db:"file_name"`
	SizeBytes   int64               `json:"size_bytes" db:"size_bytes"`
	ArchiveURL  string              `json:"archive_url,omitempty" db:"archive_url"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}

const selectColumns = `id, status, step, error, filter, execution_id, file_id, file_name, size_bytes, archive_url, created_at`

// Store writes export events with gorm and reads them back through pgx.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// New constructs a Store.
func New(pool *pgxpool.Pool, orm *gorm.DB) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{pool: pool, orm: orm}, nil
}

// Record inserts ev.
func (s *Store) Record(ctx context.Context, ev exports.Event) error {
	row, err := toModel(ev)
	if err != nil {
		return err
	}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert export %s: %w", ev.ID, err)
	}
	return nil
}

// Recent lists the newest exports first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	err := db.Select(ctx, s.pool, &records,
		`SELECT `+selectColumns+` FROM exports ORDER BY created_at DESC LIMIT $1`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Get returns the export with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	err := db.Get(ctx, s.pool, &rec, `SELECT `+selectColumns+` FROM exports WHERE id = $1`, id)
	if pgxscan.NotFound(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get export %s: %w", id, err)
	}
	return rec, nil
}

// Prune deletes exports created before cutoff and reports how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, s.pool, `DELETE FROM exports WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune exports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

// ClampLimit maps a requested page size into [1, MaxLimit], defaulting when n <= 0.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func toModel(ev exports.Event) (migrations.Export, error) {
	filter := ev.Filter
	if filter == nil {
		filter = map[string][]string{}
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return migrations.Export{}, fmt.Errorf("encode filter: %w", err)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return migrations.Export{
		ID:          ev.ID,
		Status:      string(ev.Status),
		Step:        string(ev.Step),
		Error:       ev.Error,
		Filter:      datatypes.JSON(raw),
		ExecutionID: ev.ExecutionID,
		FileID:      ev.FileID,
		FileName:    ev.FileName,
		SizeBytes:   ev.SizeBytes,
		ArchiveURL:  ev.ArchiveURL,
		CreatedAt:   at,
	}, nil
}
