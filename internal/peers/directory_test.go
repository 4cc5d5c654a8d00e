package peers

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDirectory(testContext *testing.T) *Directory {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&PeerIdentity{}); err != nil {
		testContext.Fatalf("failed to migrate peer schema: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create directory: %v", err)
	}
	return directory
}

func mustPeer(testContext *testing.T) identity.PeerID {
	testContext.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		testContext.Fatalf("failed to generate key: %v", err)
	}
	return key.ID
}

func TestRecordNameFlagsChangedDisplayName(testContext *testing.T) {
	directory := newTestDirectory(testContext)
	peer := mustPeer(testContext)
	ctx := context.Background()

	previous, changed, err := directory.RecordName(ctx, peer, "irc.example.net")
	if err != nil {
		testContext.Fatalf("first record failed: %v", err)
	}
	if changed || previous != "" {
		testContext.Fatalf("first announcement must not count as a change, got %q %v", previous, changed)
	}

	_, changed, err = directory.RecordName(ctx, peer, "irc.example.net")
	if err != nil || changed {
		testContext.Fatalf("repeat announcement must not count as a change: %v %v", changed, err)
	}

	previous, changed, err = directory.RecordName(ctx, peer, "irc.other.net")
	if err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	if !changed || previous != "irc.example.net" {
		testContext.Fatalf("expected change from irc.example.net, got %q %v", previous, changed)
	}

	records, err := directory.List(ctx)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		testContext.Fatalf("expected one identity, got %d", len(records))
	}
	if records[0].DisplayName != "irc.other.net" || records[0].NameChanges != 1 {
		testContext.Fatalf("unexpected record %+v", records[0])
	}
}

func TestRecordNameKeepsIdentitiesApart(testContext *testing.T) {
	directory := newTestDirectory(testContext)
	ctx := context.Background()
	first := mustPeer(testContext)
	second := mustPeer(testContext)

	for _, peer := range []identity.PeerID{first, second} {
		if _, changed, err := directory.RecordName(ctx, peer, "irc.shared.net"); err != nil || changed {
			testContext.Fatalf("shared display name must not conflict across identities: %v %v", changed, err)
		}
	}
	records, err := directory.List(ctx)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected two identities, got %d", len(records))
	}
}

func TestRecordNameRejectsEmptyIdentity(testContext *testing.T) {
	directory := newTestDirectory(testContext)
	if _, _, err := directory.RecordName(context.Background(), "", "irc.example.net"); err == nil {
		testContext.Fatalf("expected empty identity to be rejected")
	}
}
