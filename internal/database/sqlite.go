package database

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/concord/internal/peers"
	"github.com/MarcoPoloResearchLab/concord/internal/snapshot"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const busyTimeoutMillis = "5000"

// ErrMissingPath indicates OpenSQLite was called without a database path.
var ErrMissingPath = errors.New("database: path is required")

// schemaModels lists the tables owned by this process: snapshot history, the peer directory and the
// migration ledger.
func schemaModels() []any {
	return []any{&snapshot.StateSnapshot{}, &peers.PeerIdentity{}, &migrationRecord{}}
}

// sqliteDSN appends connection pragmas. Writers wait on the lock for up to five seconds rather than fail
// with SQLITE_BUSY; file databases use the WAL journal.
func sqliteDSN(path string) string {
	pragmas := []string{"_pragma=busy_timeout(" + busyTimeoutMillis + ")"}
	if !strings.Contains(path, ":memory:") && !strings.Contains(path, "mode=memory") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + strings.Join(pragmas, "&")
}

// OpenSQLite opens the snapshot and peer directory database and brings its schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	var snapshots, knownPeers int64
	db.Model(&snapshot.StateSnapshot{}).Count(&snapshots)
	db.Model(&peers.PeerIdentity{}).Count(&knownPeers)
	logger.Info("database initialized",
		zap.String("path", path),
		zap.Int64("snapshots", snapshots),
		zap.Int64("known_peers", knownPeers),
	)
	return db, nil
}
