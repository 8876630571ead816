package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrydocs/quarry/pkg/config"
)

// Open builds the configured store, wrapped in the retry policy.
//
// When the qdrant backend is configured but unreachable at startup the
// process degrades to the local store instead of refusing to start; the
// returned degraded flag lets callers surface a warning in health and
// stats output.
func Open(ctx context.Context, cfg *config.StorageConfig) (s Store, degraded bool, err error) {
	if cfg.Backend == "qdrant" {
		qs, qerr := NewQdrant(QdrantOptions{
			Host:      cfg.Qdrant.Host,
			Port:      cfg.Qdrant.Port,
			APIKey:    cfg.Qdrant.APIKey,
			EnableTLS: config.BoolValue(cfg.Qdrant.EnableTLS, false),
		})
		if qerr == nil {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, perr := qs.IndexExists(probeCtx, cfg.TextIndex)
			cancel()
			if perr == nil {
				return WithRetry(qs, *cfg.Retry), false, nil
			}
			qs.Close()
			qerr = perr
		}
		slog.Warn("qdrant unreachable, falling back to local store",
			"host", cfg.Qdrant.Host,
			"error", qerr)
		degraded = true
	}

	local, err := NewLocal(cfg.DataDir, cfg.Compress)
	if err != nil {
		return nil, false, err
	}
	return WithRetry(local, *cfg.Retry), degraded, nil
}
