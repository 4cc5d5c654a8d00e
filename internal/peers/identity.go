package peers

import (
	"strings"
	"time"
)

// PeerIdentity records the display name a peer identity last announced.
type PeerIdentity struct {
	PeerID      string    `gorm:"column:peer_id;primaryKey;size:64;not null"`
	DisplayName string    `gorm:"column:display_name;size:255"`
	NameChanges int       `gorm:"column:name_changes;not null;default:0"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing peer identities.
func (PeerIdentity) TableName() string {
	return "peer_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
