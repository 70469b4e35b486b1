package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/queryloom/loom/types"
)

// stateRecord is the SQL row backing one execution's state. The full state is
// serialized as JSON; indexed columns exist for querying, not as the source
// of truth.
type stateRecord struct {
	ExecutionID string `gorm:"primaryKey;size:64"`
	WorkflowID  string `gorm:"index;size:128"`
	Status      string `gorm:"index;size:16"`
	Data        []byte `gorm:"type:blob"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (stateRecord) TableName() string { return "workflow_states" }

// GormStore persists state in any GORM-supported SQL database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// SQLConfig selects and configures the SQL backend.
type SQLConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the driver-specific connection string. For sqlite it is a file
	// path or ":memory:".
	DSN string `json:"dsn" yaml:"dsn"`
	// MaxOpenConns bounds the connection pool. Zero keeps the driver default.
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
	// MaxIdleConns bounds idle connections. Zero keeps the driver default.
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`
	// ConnMaxLifetime recycles connections older than this.
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// OpenSQL opens the configured database and returns a migrated store.
func OpenSQL(config SQLConfig, logger *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	if config.MaxOpenConns > 0 || config.MaxIdleConns > 0 || config.ConnMaxLifetime > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		if config.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(config.MaxIdleConns)
		}
		if config.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
		}
	}

	return NewGormStore(db, logger)
}

// NewGormStore wraps an already-open GORM handle and runs the migration.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&stateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate workflow_states: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "statestore_sql")),
	}, nil
}

// SaveState upserts the state row keyed by execution id.
func (g *GormStore) SaveState(ctx context.Context, state *types.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state %s: %w", state.ExecutionID, err)
	}
	record := stateRecord{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Status:      string(state.Status),
		Data:        data,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
	}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", state.ExecutionID, err)
	}
	return nil
}

// GetState loads and deserializes the state row.
func (g *GormStore) GetState(ctx context.Context, executionID string) (*types.WorkflowState, error) {
	var record stateRecord
	err := g.db.WithContext(ctx).First(&record, "execution_id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", executionID, err)
	}
	var state types.WorkflowState
	if err := json.Unmarshal(record.Data, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize state %s: %w", executionID, err)
	}
	return &state, nil
}

// DeleteState removes the row. Missing ids are ignored.
func (g *GormStore) DeleteState(ctx context.Context, executionID string) error {
	err := g.db.WithContext(ctx).Delete(&stateRecord{}, "execution_id = ?", executionID).Error
	if err != nil {
		return fmt.Errorf("failed to delete state %s: %w", executionID, err)
	}
	return nil
}

// ListByWorkflow returns the stored states of one workflow definition,
// newest first. Useful for operational inspection, not used on the hot path.
func (g *GormStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*types.WorkflowState, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []stateRecord
	err := g.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list states for %s: %w", workflowID, err)
	}
	states := make([]*types.WorkflowState, 0, len(records))
	for _, record := range records {
		var state types.WorkflowState
		if err := json.Unmarshal(record.Data, &state); err != nil {
			return nil, fmt.Errorf("failed to deserialize state %s: %w", record.ExecutionID, err)
		}
		states = append(states, &state)
	}
	return states, nil
}

// Close closes the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
