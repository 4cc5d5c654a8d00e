package engine

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/authority"
	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"go.uber.org/zap"
)

// PeerConnected creates or resumes the SyncState of peer.
func (e *Engine) PeerConnected(ctx context.Context, peer string) error {
	return e.submit(ctx, func() { e.document.PeerConnected(peer) })
}

// PeerDisconnected rewinds the unacknowledged sends of peer.
func (e *Engine) PeerDisconnected(ctx context.Context, peer string) error {
	return e.submit(ctx, func() { e.document.PeerDisconnected(peer) })
}

// RemovePeer forgets the SyncState of a peer that left the configuration.
func (e *Engine) RemovePeer(ctx context.Context, peer string) error {
	return e.submit(ctx, func() { e.document.RemovePeer(peer) })
}

// RequestFullState makes the next delta for peer a full-state transfer.
func (e *Engine) RequestFullState(ctx context.Context, peer string) error {
	return e.submit(ctx, func() { e.document.RequestFullState(peer) })
}

// GenerateDelta returns what peer lacks, or nil when it is settled.
func (e *Engine) GenerateDelta(ctx context.Context, peer string) (*state.Delta, error) {
	var delta *state.Delta
	if err := e.submit(ctx, func() { delta = e.document.GenerateDelta(peer) }); err != nil {
		return nil, err
	}
	return delta, nil
}

// MergeDelta applies a delta received from peer and emits notifications for every changed key.
func (e *Engine) MergeDelta(ctx context.Context, peer string, delta *state.Delta) (state.MergeResult, error) {
	var (
		result   state.MergeResult
		mergeErr error
	)
	err := e.submit(ctx, func() {
		changed, err := e.document.MergeFrom(peer, delta)
		if err != nil {
			mergeErr = err
			return
		}
		result.Changed = changed
		result.HasGaps = e.document.HasGaps()
		e.notifyKeys(changed, peer)
		e.applyRemoteKicks(changed, peer)
	})
	if err != nil {
		return state.MergeResult{}, err
	}
	if mergeErr != nil {
		return state.MergeResult{}, newServiceError(opMergeDelta, "invalid_delta", mergeErr)
	}
	return result, nil
}

// applyRemoteKicks drops presence for replicated kick entries whose actor currently holds authority.
func (e *Engine) applyRemoteKicks(changed []string, origin string) {
	for _, raw := range changed {
		key, err := state.ParseKey(raw)
		if err != nil || key.Family != state.FamilyModAction {
			continue
		}
		entry, ok := moderation.EntryFromKey(e.document, raw)
		if !ok || entry.Action != moderation.ActionKick {
			continue
		}
		if e.validator.CanWrite(entry.Actor, authority.KeyspaceModAction, entry.Channel) {
			e.kick(entry, origin)
		}
	}
}

// Snapshot serialises the whole document.
func (e *Engine) Snapshot(ctx context.Context) (*state.Snapshot, error) {
	var snapshot *state.Snapshot
	if err := e.submit(ctx, func() { snapshot = e.document.Snapshot() }); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Restore replaces the document with snapshot. It is meant for startup, before peers connect.
func (e *Engine) Restore(ctx context.Context, snapshot *state.Snapshot) error {
	var restoreErr error
	err := e.submit(ctx, func() {
		restoreErr = e.document.Restore(snapshot)
		if restoreErr == nil {
			e.metrics.StateKeys(e.document.KeyCount())
		}
	})
	if err != nil {
		return err
	}
	if restoreErr != nil {
		e.logError(opRestore, "invalid_snapshot", restoreErr)
		return newServiceError(opRestore, "invalid_snapshot", restoreErr)
	}
	e.logger.Info("state restored from snapshot",
		zap.Uint64("lamport", snapshot.Lamport),
		zap.Int("peers", len(snapshot.PeerAcks)),
	)
	return nil
}

// Compact drops op history older than horizon.
func (e *Engine) Compact(ctx context.Context, horizon time.Time) (state.CompactionResult, error) {
	var result state.CompactionResult
	if err := e.submit(ctx, func() { result = e.document.Compact(horizon) }); err != nil {
		return state.CompactionResult{}, err
	}
	return result, nil
}

// SyncStates returns a copy of every peer's SyncState keyed by peer identity.
func (e *Engine) SyncStates(ctx context.Context) (map[string]state.SyncState, error) {
	states := make(map[string]state.SyncState)
	err := e.submit(ctx, func() {
		for _, peer := range e.document.SyncPeers() {
			if current, ok := e.document.SyncStateOf(peer); ok {
				states[peer] = current
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
