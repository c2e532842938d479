package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

// txMaxRetries bounds transient-failure retries on transactional writes.
const txMaxRetries = 3

// Store bundles the gorm-backed repository implementations over one
// database handle.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an already-open gorm handle. logger may be nil.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}
}

// Open connects to PostgreSQL and wraps the handle.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger), nil
}

// AutoMigrate creates or updates the engine's tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&instanceModel{},
		&historyModel{},
		&transitionModel{},
		&contextModel{},
		&inputModel{},
		&conflictModel{},
		&approvalModel{},
		&sessionModel{},
	)
}

// DB exposes the underlying handle for pool tuning and health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Instances returns the InstanceRepository implementation.
func (s *Store) Instances() workflow.InstanceRepository {
	return &instanceRepo{db: s.db, logger: s.logger}
}

// History returns the HistoryRepository implementation.
func (s *Store) History() workflow.HistoryRepository { return &historyRepo{db: s.db} }

// Contexts returns the ContextRepository implementation.
func (s *Store) Contexts() workflow.ContextRepository { return &contextRepo{db: s.db} }

// Inputs returns the InputRepository implementation.
func (s *Store) Inputs() workflow.InputRepository { return &inputRepo{db: s.db} }

// Conflicts returns the ConflictRepository implementation.
func (s *Store) Conflicts() workflow.ConflictRepository {
	return &conflictRepo{db: s.db, logger: s.logger}
}

// Approvals returns the ApprovalRepository implementation.
func (s *Store) Approvals() workflow.ApprovalRepository { return &approvalRepo{db: s.db} }

// Sessions returns the SessionRepository implementation.
func (s *Store) Sessions() workflow.SessionRepository { return &sessionRepo{db: s.db} }

// notFound translates gorm's record-not-found into the engine error space.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewErrorf(types.ErrNotFound, format, args...)
	}
	return err
}
