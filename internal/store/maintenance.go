package store

import (
	"context"
	"time"
)

const (
	maintenanceInterval = 30 * time.Minute
	messageRetention    = 7 * 24 * time.Hour
)

// RunMaintenance truncates the WAL and prunes old messages every 30
// minutes until ctx is cancelled. Maintenance failures are logged and
// never fatal.
func (s *Store) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Maintain()
		}
	}
}

// Maintain runs one maintenance pass: wal_checkpoint(TRUNCATE) plus
// deletion of messages past the 7-day retention window.
func (s *Store) Maintain() {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal checkpoint failed", "error", err)
	}

	cutoff := time.Now().Add(-messageRetention).UnixMilli()
	res, err := s.stmts.deleteOld.Exec(cutoff)
	if err != nil {
		s.logger.Warn("message retention sweep failed", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("pruned old messages", "deleted", n)
	}
}
