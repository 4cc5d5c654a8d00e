package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/metrics"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is the cadence of periodic saves.
	DefaultInterval = 5 * time.Minute
	// DefaultHorizon is how much op history survives compaction.
	DefaultHorizon   = time.Hour
	finalSaveTimeout = 10 * time.Second
)

// Store persists encoded snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, payload []byte) error
	LoadSnapshot(ctx context.Context) ([]byte, bool, error)
}

// Source is the owner of the state being saved.
type Source interface {
	Compact(ctx context.Context, horizon time.Time) (state.CompactionResult, error)
	Snapshot(ctx context.Context) (*state.Snapshot, error)
}

// ManagerConfig describes the inputs required to build a Manager.
type ManagerConfig struct {
	Source   Source
	Store    Store
	Interval time.Duration
	Horizon  time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Manager compacts and saves the state document on an interval.
type Manager struct {
	source   Source
	store    Store
	interval time.Duration
	horizon  time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Source == nil {
		return nil, errors.New("snapshot: source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("snapshot: store is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		source:   cfg.Source,
		store:    cfg.Store,
		interval: interval,
		horizon:  horizon,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Save compacts history older than the horizon, then writes a snapshot. A failure leaves in-memory
// state untouched; the next interval retries.
func (m *Manager) Save(ctx context.Context) error {
	started := m.clock()
	size, err := m.save(ctx, started)
	m.metrics.SnapshotSaved(size, m.clock().Sub(started), err)
	if err != nil {
		m.logger.Error("snapshot save failed", zap.Error(err))
		return err
	}
	m.logger.Debug("snapshot saved", zap.Int("bytes", size))
	return nil
}

func (m *Manager) save(ctx context.Context, now time.Time) (int, error) {
	compaction, err := m.source.Compact(ctx, now.Add(-m.horizon))
	if err != nil {
		return 0, err
	}
	if compaction.DroppedOps > 0 {
		m.logger.Debug("op history compacted",
			zap.Int("dropped_ops", compaction.DroppedOps),
			zap.Int("retained_ops", compaction.Retained),
		)
	}
	snapshot, err := m.source.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	payload, err := state.EncodeSnapshot(snapshot)
	if err != nil {
		return 0, err
	}
	if err := m.store.SaveSnapshot(ctx, payload); err != nil {
		return len(payload), err
	}
	return len(payload), nil
}

// Load reads the latest snapshot.
func (m *Manager) Load(ctx context.Context) (*state.Snapshot, bool, error) {
	payload, found, err := m.store.LoadSnapshot(ctx)
	if err != nil || !found {
		return nil, false, err
	}
	snapshot, err := state.DecodeSnapshot(payload)
	if err != nil {
		return nil, false, err
	}
	return snapshot, true, nil
}

// Run saves every interval. On cancellation it performs a final save before returning.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
			_ = m.Save(finalCtx)
			cancel()
			return nil
		case <-ticker.C:
			_ = m.Save(ctx)
		}
	}
}
