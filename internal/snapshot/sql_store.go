package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultKeep is how many snapshot rows SQLStore retains.
const DefaultKeep = 5

// StateSnapshot is one saved document snapshot.
type StateSnapshot struct {
	SnapshotID string    `gorm:"column:snapshot_id;primaryKey;size:36;not null"`
	Payload    []byte    `gorm:"column:payload;not null"`
	SizeBytes  int       `gorm:"column:size_bytes;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (StateSnapshot) TableName() string {
	return "state_snapshots"
}

// SQLStore keeps the latest snapshots in a gorm table. Row ids are UUIDv7, so id order is save order.
type SQLStore struct {
	db    *gorm.DB
	keep  int
	clock func() time.Time
}

// NewSQLStore constructs a SQLStore over db; the schema is expected to be migrated.
func NewSQLStore(db *gorm.DB, keep int, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("snapshot: database handle is required")
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, keep: keep, clock: clock}, nil
}

// SaveSnapshot inserts payload and prunes rows beyond the retention count.
func (s *SQLStore) SaveSnapshot(ctx context.Context, payload []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("snapshot: generate id: %w", err)
	}
	record := StateSnapshot{
		SnapshotID: id.String(),
		Payload:    payload,
		SizeBytes:  len(payload),
		CreatedAt:  s.clock().UTC(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		var ids []string
		if err := tx.Model(&StateSnapshot{}).Order("snapshot_id DESC").Pluck("snapshot_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) <= s.keep {
			return nil
		}
		return tx.Where("snapshot_id IN ?", ids[s.keep:]).Delete(&StateSnapshot{}).Error
	})
}

// LoadSnapshot returns the most recent payload.
func (s *SQLStore) LoadSnapshot(ctx context.Context) ([]byte, bool, error) {
	var record StateSnapshot
	err := s.db.WithContext(ctx).Order("snapshot_id DESC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.Payload, true, nil
}

// Count returns the number of retained snapshots.
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&StateSnapshot{}).Count(&count).Error
	return count, err
}
