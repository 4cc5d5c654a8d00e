package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/peers"
	"github.com/MarcoPoloResearchLab/concord/internal/snapshot"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSnapshotSizes   = "2026-03-01_backfill_snapshot_sizes"
	migrationLowercasePeerIdentities = "2026-03-14_lowercase_peer_identities"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSnapshotSizes, apply: backfillSnapshotSizes},
		{name: migrationLowercasePeerIdentities, apply: lowercasePeerIdentities},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func backfillSnapshotSizes(db *gorm.DB) error {
	return db.Model(&snapshot.StateSnapshot{}).
		Where("size_bytes = 0").
		Update("size_bytes", gorm.Expr("length(payload)")).Error
}

func lowercasePeerIdentities(db *gorm.DB) error {
	return db.Model(&peers.PeerIdentity{}).
		Where("peer_id <> lower(peer_id)").
		Update("peer_id", gorm.Expr("lower(peer_id)")).Error
}
