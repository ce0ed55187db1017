// ABOUTME: Background cleanup of expired refresh tokens.
// ABOUTME: Prevents unbounded growth of the refresh_tokens collection.

package main

import (
	"context"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"go.uber.org/zap"
)

const (
	cleanupInterval  = time.Hour
	cleanupBatchSize = 500
)

// cleanupExpired deletes refresh tokens past their expiry and returns how many were purged.
func (s *Server) cleanupExpired(ctx context.Context) int {
	now, err := types.ParseDateTime(s.now())
	if err != nil {
		s.log.Warn("cleanup: bad clock value", zap.Error(err))
		return 0
	}

	purged := 0
	for ctx.Err() == nil {
		records, err := s.app.FindRecordsByFilter("refresh_tokens", "expires < {:now}", "expires", cleanupBatchSize, 0,
			map[string]any{"now": now.String()})
		if err != nil {
			s.log.Warn("cleanup: query refresh tokens", zap.Error(err))
			return purged
		}
		if len(records) == 0 {
			return purged
		}
		err = s.app.RunInTransaction(func(txApp core.App) error {
			for _, rec := range records {
				if err := txApp.Delete(rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.log.Warn("cleanup: delete refresh tokens", zap.Error(err))
			return purged
		}
		purged += len(records)
		if len(records) < cleanupBatchSize {
			return purged
		}
	}
	return purged
}

// startCleanupRoutine runs cleanup every hour in background.
func (s *Server) startCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.cleanupExpired(ctx); n > 0 {
					s.log.Info("cleanup: purged expired refresh tokens", zap.Int("count", n))
				}
			}
		}
	}()
}
