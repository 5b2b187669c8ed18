package gc

import (
	"context"
	"fmt"
)

// phaseTransitions flips lifecycle state for keys past their TTL: idle
// active keys move to the trash, expired trash keys are purged from the
// value store. Blob files are left for the reclamation phase.
func (m *Manager) phaseTransitions(ctx context.Context, result *Result) {
	m.logger.Debug("phase: lifecycle transitions")

	now := m.now()

	stale, err := m.db.ExpiredActive(ctx, now.Add(-m.config.TrashTTL), m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan stale active keys: %v", err))
		m.logger.Error("failed to scan stale active keys", "error", err)
	}
	for _, key := range stale {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.db.Trash(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("trash %q: %v", key, err))
			m.logger.Error("failed to trash stale key", "key", key, "error", err)
			continue
		}
		if m.notifier != nil {
			m.notifier.KeyTrashed(key)
		}
		result.KeysTrashed++
		m.logger.Debug("trashed stale key", "key", key)
	}

	expired, err := m.db.ExpiredTrash(ctx, now.Add(-m.config.PurgeTTL), m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan expired trash keys: %v", err))
		m.logger.Error("failed to scan expired trash keys", "error", err)
	}
	for _, key := range expired {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.db.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("purge %q: %v", key, err))
			m.logger.Error("failed to purge expired key", "key", key, "error", err)
			continue
		}
		if m.notifier != nil {
			m.notifier.KeyPurged(key)
		}
		result.KeysPurged++
		m.logger.Debug("purged expired key", "key", key)
	}
}

// phaseReclaimBlobs deletes blob directories whose hash no stored
// envelope references, in any lifecycle state. References are implicit,
// so a crash mid-phase leaves at most orphaned blobs for the next pass,
// never dangling references.
func (m *Manager) phaseReclaimBlobs(ctx context.Context, result *Result) {
	m.logger.Debug("phase: blob reclamation")

	live, err := m.db.LiveHashes(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan live hashes: %v", err))
		m.logger.Error("failed to scan live hashes", "error", err)
		return
	}

	onDisk, err := m.blobs.Hashes(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list blobs: %v", err))
		m.logger.Error("failed to list blobs", "error", err)
		return
	}

	for _, h := range onDisk {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, referenced := live[h]; referenced {
			continue
		}

		size, err := m.blobs.Size(ctx, h)
		if err != nil {
			// best effort: an already-missing blob just means less to delete
			size = 0
		}

		if err := m.blobs.Delete(ctx, h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete blob %s: %v", h.ShortString(), err))
			m.logger.Error("failed to delete unreferenced blob", "hash", h.ShortString(), "error", err)
			continue
		}

		result.BlobsDeleted++
		result.BytesReclaimed += size
		m.logger.Debug("deleted unreferenced blob", "hash", h.ShortString(), "size", size)
	}
}

// phaseCompact compacts the value store once free pages pile up, then
// gives the search indexes their chance to rebuild.
func (m *Manager) phaseCompact(ctx context.Context, result *Result) {
	m.logger.Debug("phase: compaction")

	if ratio := m.db.FreePageRatio(); ratio > m.config.CompactThreshold {
		m.logger.Info("compacting value store", "free_page_ratio", ratio)
		if err := m.db.Compact(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("compact store: %v", err))
			m.logger.Error("failed to compact value store", "error", err)
		} else {
			result.StoreCompacted = true
		}
	}

	if m.notifier != nil {
		m.notifier.CompactIndexes(ctx)
	}
}
