package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidPeer indicates an empty peer identity.
var ErrInvalidPeer = errors.New("peers: invalid peer identity")

// DirectoryConfig describes the dependencies required for the peer directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory remembers the last display name announced by each peer identity. Names are metadata only;
// sync state is keyed by identity elsewhere.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewDirectory constructs the directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("peers: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, now: clock, logger: logger}, nil
}

// RecordName stores name for peer. changed is true when the identity was known under a different name.
func (d *Directory) RecordName(ctx context.Context, peer identity.PeerID, name string) (string, bool, error) {
	peerID := normalize(peer.String())
	if peerID == "" {
		return "", false, ErrInvalidPeer
	}
	name = normalize(name)
	if cached, ok := d.cache.Load(peerID); ok {
		if previous, ok := cached.(string); ok && previous == name {
			return previous, false, nil
		}
	}

	now := d.now().UTC()
	var record PeerIdentity
	err := d.db.WithContext(ctx).Where("peer_id = ?", peerID).First(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = PeerIdentity{PeerID: peerID, DisplayName: name, FirstSeenAt: now, LastSeenAt: now}
		if err := d.db.WithContext(ctx).Create(&record).Error; err != nil {
			return "", false, err
		}
		d.cache.Store(peerID, name)
		return "", false, nil
	case err != nil:
		return "", false, err
	}

	previous := record.DisplayName
	updates := map[string]interface{}{"last_seen_at": now}
	changed := previous != name
	if changed {
		updates["display_name"] = name
		updates["name_changes"] = record.NameChanges + 1
	}
	if err := d.db.WithContext(ctx).Model(&PeerIdentity{}).Where("peer_id = ?", peerID).Updates(updates).Error; err != nil {
		return previous, changed, err
	}
	if changed {
		d.logger.Info("peer display name updated",
			zap.String("peer", peer.Short()),
			zap.String("previous_name", previous),
			zap.String("server_name", name),
		)
	}
	d.cache.Store(peerID, name)
	return previous, changed, nil
}

// List returns every known peer identity ordered by id.
func (d *Directory) List(ctx context.Context) ([]PeerIdentity, error) {
	var records []PeerIdentity
	if err := d.db.WithContext(ctx).Order("peer_id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
