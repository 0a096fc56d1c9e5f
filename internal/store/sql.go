package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomSnapshot is the row a SQLStore keeps per room.
type RoomSnapshot struct {
	Room      string `gorm:"primaryKey;size:255"`
	Data      []byte
	UpdatedAt time.Time
}

type SQLStore struct {
	DB *gorm.DB
}

// OpenSQL opens postgres for postgres:// or key=value DSNs and sqlite for
// anything else.
func OpenSQL(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	return db, nil
}

// NewSQLStore migrates the snapshot table on db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&RoomSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot table: %w", err)
	}
	return &SQLStore{DB: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, room string, data []byte) error {
	row := RoomSnapshot{Room: room, Data: data, UpdatedAt: time.Now().UTC()}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save snapshot for room %s: %w", room, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, room string) (Snapshot, error) {
	var row RoomSnapshot
	err := s.DB.WithContext(ctx).Where("room = ?", room).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot for room %s: %w", room, err)
	}
	return Snapshot{Room: row.Room, Data: row.Data, UpdatedAt: row.UpdatedAt}, nil
}

func (s *SQLStore) Delete(ctx context.Context, room string) error {
	if err := s.DB.WithContext(ctx).Where("room = ?", room).Delete(&RoomSnapshot{}).Error; err != nil {
		return fmt.Errorf("delete snapshot for room %s: %w", room, err)
	}
	return nil
}
