package convoybot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// VPSAuditEntry records the terminal outcome of one VPS request. The
// temporary password is stored only as an argon2id hash, and only for
// requests that actually created a server.
type VPSAuditEntry struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	RequestID    string `gorm:"index" json:"request_id"`
	UserID       string `gorm:"index" json:"user_id"`
	PanelUserID  int    `json:"panel_user_id"`
	PlanKind     string `json:"plan_kind"`
	PlanName     string `json:"plan_name"`
	ServerID     int    `json:"server_id,omitempty"`
	ServerUUID   string `json:"server_uuid,omitempty"`
	ReservedIP   string `json:"reserved_ip,omitempty"`
	Outcome      string `gorm:"index" json:"outcome"`
	DecidedBy    string `json:"decided_by,omitempty"`
	PasswordHash string `json:"-" log:"[redacted]"`
	ModelUnixTime
}

// auditStore persists request outcomes to sqlite via gorm. Writes are
// serialized by sqlite's single-connection pool.
type auditStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// CreateDB opens (and migrates) the sqlite audit database at the given
// path.
func CreateDB(
	ctx context.Context,
	path string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := gorm.Open(
		sqlite.Open(path),
		&gorm.Config{Logger: newGORMLogger(handler, slowThreshold)},
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&VPSAuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return db, nil
}

func newAuditStore(db *gorm.DB, logger *slog.Logger) *auditStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditStore{
		db:     db,
		logger: logger.With(loggerNameKey, "audit"),
	}
}

// RecordOutcome writes one terminal outcome row.
func (a *auditStore) RecordOutcome(
	ctx context.Context,
	entry *VPSAuditEntry,
) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	if err := a.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns the newest audit rows, for the status API.
func (a *auditStore) RecentOutcomes(
	ctx context.Context,
	limit int,
) ([]VPSAuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	var entries []VPSAuditEntry
	err := a.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	return entries, nil
}

// OutcomeCounts aggregates outcomes for the status API.
func (a *auditStore) OutcomeCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	type row struct {
		Outcome string
		N       int64
	}
	var rows []row
	err := a.db.WithContext(ctx).
		Model(&VPSAuditEntry{}).
		Select("outcome, count(*) as n").
		Group("outcome").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting outcomes: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Outcome] = r.N
	}
	return counts, nil
}
