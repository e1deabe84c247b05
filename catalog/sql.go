package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/toolink/extgov/meta"
)

// extensionRow is the gorm model behind SQL.
type extensionRow struct {
	ID         string `gorm:"primaryKey;size:128"`
	Name       string
	Version    string `gorm:"size:64"`
	Descriptor string `gorm:"type:text"`
	Enabled    bool   `gorm:"index"`
	Reason     string
	UpdatedAt  time.Time
}

func (extensionRow) TableName() string { return "extensions" }

// SQL is a catalog stored in a relational database through gorm.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a sqlite catalog database at path.
func OpenSQLite(path string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open gorm handle and migrates the extensions table.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&extensionRow{}); err != nil {
		return nil, fmt.Errorf("catalog: migrating: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQL) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (s *SQL) Register(ctx context.Context, desc meta.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("catalog: encoding descriptor: %w", err)
	}
	row := extensionRow{
		ID:         desc.ID,
		Name:       desc.Name,
		Version:    desc.Version,
		Descriptor: string(data),
		UpdatedAt:  time.Now(),
	}
	// Save writes zero values too, so a re-register always lands disabled.
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("catalog: register %s: %w", desc.ID, err)
	}
	return nil
}

func (s *SQL) Unregister(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&extensionRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("catalog: unregister %s: %w", id, err)
	}
	return nil
}

func (s *SQL) Enable(ctx context.Context, id string) error {
	return s.set(ctx, id, true, "")
}

func (s *SQL) Disable(ctx context.Context, id, reason string) error {
	return s.set(ctx, id, false, reason)
}

func (s *SQL) set(ctx context.Context, id string, enabled bool, reason string) error {
	res := s.db.WithContext(ctx).Model(&extensionRow{}).Where("id = ?", id).Updates(map[string]any{
		"enabled":    enabled,
		"reason":     reason,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("catalog: updating %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) IsEnabled(ctx context.Context, id string) bool {
	var row extensionRow
	err := s.db.WithContext(ctx).Select("enabled").Where("id = ?", id).Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("extension", id).Msg("catalog lookup failed, treating extension as disabled")
		}
		return false
	}
	return row.Enabled
}

func (s *SQL) Get(ctx context.Context, id string) (*meta.Record, error) {
	var row extensionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return row.record()
}

func (s *SQL) List(ctx context.Context) ([]meta.Record, error) {
	var rows []extensionRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	out := make([]meta.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			log.Warn().Err(err).Str("extension", row.ID).Msg("skipping undecodable catalog record")
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r extensionRow) record() (*meta.Record, error) {
	var desc meta.Descriptor
	if err := json.Unmarshal([]byte(r.Descriptor), &desc); err != nil {
		return nil, fmt.Errorf("catalog: decoding descriptor: %w", err)
	}
	return &meta.Record{
		Descriptor: desc,
		Enabled:    r.Enabled,
		Reason:     r.Reason,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}
