package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/auth"
	"github.com/MarcoPoloResearchLab/concord/internal/config"
	"github.com/MarcoPoloResearchLab/concord/internal/database"
	"github.com/MarcoPoloResearchLab/concord/internal/engine"
	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"github.com/MarcoPoloResearchLab/concord/internal/logging"
	"github.com/MarcoPoloResearchLab/concord/internal/metrics"
	"github.com/MarcoPoloResearchLab/concord/internal/notify"
	"github.com/MarcoPoloResearchLab/concord/internal/peers"
	"github.com/MarcoPoloResearchLab/concord/internal/peersync"
	"github.com/MarcoPoloResearchLab/concord/internal/presence"
	"github.com/MarcoPoloResearchLab/concord/internal/server"
	"github.com/MarcoPoloResearchLab/concord/internal/snapshot"
	"github.com/MarcoPoloResearchLab/concord/internal/transport"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	key, err := loadKey(appConfig)
	if err != nil {
		return err
	}
	replica := key.ID.String()

	logger, err := logging.NewLogger(logging.Options{
		Level:      appConfig.LogLevel,
		ServerName: appConfig.ServerName,
		PeerID:     key.ID.Short(),
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, closeStore, err := openSnapshotStore(appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	peerAddresses, allowlist, err := parsePeers(appConfig)
	if err != nil {
		return err
	}

	registry := metrics.New()
	tracker := presence.NewTracker(presence.Config{TTL: appConfig.PresenceTTL, Logger: logger.Named("presence")})
	notifier := notify.NewDispatcher(0)

	channels, err := engine.New(engine.Config{
		Replica:  replica,
		Presence: tracker,
		Notifier: notifier,
		Logger:   logger.Named("engine"),
		Metrics:  registry,
	})
	if err != nil {
		return err
	}

	// The engine outlives the HTTP and background group so the final snapshot can still read it.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() { engineDone <- channels.Run(engineCtx) }()
	defer func() {
		cancelEngine()
		<-engineDone
	}()

	snapshots, err := snapshot.NewManager(snapshot.ManagerConfig{
		Source:   channels,
		Store:    store,
		Interval: appConfig.SnapshotInterval,
		Horizon:  appConfig.SnapshotHorizon,
		Logger:   logger.Named("snapshot"),
		Metrics:  registry,
	})
	if err != nil {
		return err
	}
	if restored, found, err := snapshots.Load(ctx); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	} else if found {
		if err := channels.Restore(ctx, restored); err != nil {
			return err
		}
		logger.Info("state restored from snapshot")
	}

	bus, err := eventbus.New(eventbus.Config{
		Origin:         replica,
		DedupeCapacity: appConfig.DedupeCapacity,
		OriginCapacity: appConfig.OriginCapacity,
		Logger:         logger.Named("events"),
		Metrics:        registry,
	})
	if err != nil {
		return err
	}
	bus.SetHandler(channels.HandleEvent)
	channels.SetEvents(bus)

	directory, err := peers.NewDirectory(peers.DirectoryConfig{Database: db, Logger: logger.Named("peers")})
	if err != nil {
		return err
	}

	manager, err := peersync.NewManager(peersync.Config{
		LocalName:    appConfig.ServerName,
		State:        channels,
		Events:       bus,
		Presence:     tracker,
		Names:        directory,
		QueueSize:    appConfig.QueueSize,
		TickInterval: appConfig.TickInterval,
		Logger:       logger.Named("peersync"),
		Metrics:      registry,
	})
	if err != nil {
		return err
	}
	bus.SetRelayer(manager)
	channels.SetSyncTrigger(manager.Kick)

	peerTransport, err := transport.New(transport.Config{
		Key:       key,
		Peers:     peerAddresses,
		Allowlist: allowlist,
		Receiver:  manager,
		Logger:    logger.Named("transport"),
	})
	if err != nil {
		return err
	}
	manager.SetSender(peerTransport)

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Channels:       channels,
		Tokens:         tokens,
		Notifier:       notifier,
		Peers:          manager,
		Directory:      directory,
		PeerTransport:  peerTransport,
		Metrics:        registry.Handler(),
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	linkCtx, cancelLinks := context.WithCancel(context.Background())
	links, linkCtx := errgroup.WithContext(linkCtx)
	links.Go(func() error { return manager.Run(linkCtx) })
	links.Go(func() error { return peerTransport.Run(linkCtx) })

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("peer_id", replica),
			zap.Int("peers", len(peerAddresses)),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return tracker.Run(groupCtx, presence.RefreshConfig{
			Origin:  replica,
			Publish: channels.PublishPresence,
			OnSweep: func(swept int) {
				registry.PresenceSwept(swept)
				registry.PresenceLeases(tracker.Len())
			},
		})
	})
	group.Go(func() error { return snapshots.Run(groupCtx) })

	runErr := group.Wait()
	logger.Info("server stopping")

	peerTransport.CloseAll()
	cancelLinks()
	if err := links.Wait(); err != nil {
		logger.Warn("peer links stopped with error", zap.Error(err))
	}

	return runErr
}

func loadKey(appConfig config.AppConfig) (identity.KeyPair, error) {
	if appConfig.PeerKeySeed != "" {
		return identity.KeyFromSeedHex(appConfig.PeerKeySeed)
	}
	return identity.LoadOrCreateKey(appConfig.PeerKeyPath)
}

func openSnapshotStore(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (snapshot.Store, func(), error) {
	switch appConfig.SnapshotBackend {
	case config.SnapshotBackendBadger:
		store, err := snapshot.OpenBadgerStore(snapshot.BadgerConfig{
			Path:   appConfig.BadgerPath,
			Logger: logger.Named("badger"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("badger close failed", zap.Error(err))
			}
		}, nil
	default:
		store, err := snapshot.NewSQLStore(db, appConfig.SnapshotKeep, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func parsePeers(appConfig config.AppConfig) ([]transport.PeerAddress, []identity.PeerID, error) {
	addresses := make([]transport.PeerAddress, 0, len(appConfig.Peers))
	for _, raw := range appConfig.Peers {
		address, err := transport.ParsePeerAddress(raw)
		if err != nil {
			return nil, nil, err
		}
		addresses = append(addresses, address)
	}
	allowlist := make([]identity.PeerID, 0, len(appConfig.PeerAllowlist))
	for _, raw := range appConfig.PeerAllowlist {
		peerID, err := identity.NewPeerID(raw)
		if err != nil {
			return nil, nil, err
		}
		allowlist = append(allowlist, peerID)
	}
	return addresses, allowlist, nil
}
