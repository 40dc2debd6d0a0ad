package yuri

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProtoFile is a stored protocol definition used to decode gRPC payloads.
type ProtoFile struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	AddedAt int64  `json:"added_at"`
}

// TableName implements gorm's tabler.
func (ProtoFile) TableName() string { return "proto_files" }

// Store persists exchanges, rewrite rules and proto files in SQLite.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (creating if needed) the SQLite database at dsn and
// migrates the schema. GORM diagnostics go to logger.
func OpenStore(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPersistence, dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Exchange{}, &RewriteRule{}, &ProtoFile{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: migrate: %w", ErrPersistence, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrPersistence, err)
	}
	return nil
}

// CreateExchange inserts a new exchange record.
func (s *Store) CreateExchange(ctx context.Context, ex *Exchange) error {
	if err := s.db.WithContext(ctx).Create(ex).Error; err != nil {
		return fmt.Errorf("%w: insert exchange %s: %w", ErrPersistence, ex.ID, err)
	}
	return nil
}

// UpdateExchangeResponse records the response half of exchange id.
func (s *Store) UpdateExchangeResponse(ctx context.Context, id string, resp ExchangeResponse) error {
	res := s.db.WithContext(ctx).
		Model(&Exchange{ID: id}).
		Select("ResponseStatus", "ResponseHeaders", "ResponseBody", "Duration").
		Updates(&Exchange{
			ResponseStatus:  resp.Status,
			ResponseHeaders: resp.Headers,
			ResponseBody:    resp.Body,
			Duration:        resp.Duration.Milliseconds(),
		})
	if res.Error != nil {
		return fmt.Errorf("%w: update exchange %s: %w", ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: update exchange %s: %w", ErrPersistence, id, ErrNotFound)
	}
	return nil
}

// GetExchange returns the exchange with the given id, or ErrNotFound.
func (s *Store) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	var ex Exchange
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get exchange %s: %w", ErrPersistence, id, err)
	}
	return &ex, nil
}

// RecentExchanges returns up to limit exchanges, newest first.
func (s *Store) RecentExchanges(ctx context.Context, limit int) ([]Exchange, error) {
	var out []Exchange
	err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list exchanges: %w", ErrPersistence, err)
	}
	return out, nil
}

// CreateRule inserts a rewrite rule, assigning an id when it has none.
func (s *Store) CreateRule(ctx context.Context, r *RewriteRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("%w: insert rule: %w", ErrPersistence, err)
	}
	return nil
}

// DeleteRule removes the rewrite rule with the given id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&RewriteRule{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("%w: delete rule %s: %w", ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns every rule in insertion order.
func (s *Store) ListRules(ctx context.Context) ([]RewriteRule, error) {
	var out []RewriteRule
	if err := s.db.WithContext(ctx).Order("rowid").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: list rules: %w", ErrPersistence, err)
	}
	return out, nil
}

// EnabledRules returns the enabled rules in insertion order. It has the
// RuleLoader signature, so RuleLoaderFunc(store.EnabledRules) feeds an engine.
func (s *Store) EnabledRules(ctx context.Context) ([]RewriteRule, error) {
	var out []RewriteRule
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("rowid").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: load enabled rules: %w", ErrPersistence, err)
	}
	return out, nil
}

// CreateProtoFile stores a protocol definition.
func (s *Store) CreateProtoFile(ctx context.Context, p *ProtoFile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.AddedAt == 0 {
		p.AddedAt = time.Now().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("%w: insert proto file: %w", ErrPersistence, err)
	}
	return nil
}

// ListProtoFiles returns every stored protocol definition, oldest first.
func (s *Store) ListProtoFiles(ctx context.Context) ([]ProtoFile, error) {
	var out []ProtoFile
	if err := s.db.WithContext(ctx).Order("added_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: list proto files: %w", ErrPersistence, err)
	}
	return out, nil
}

// GetProtoFile returns the protocol definition with the given id, or ErrNotFound.
func (s *Store) GetProtoFile(ctx context.Context, id string) (*ProtoFile, error) {
	var p ProtoFile
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get proto file %s: %w", ErrPersistence, id, err)
	}
	return &p, nil
}
