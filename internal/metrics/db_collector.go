package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector samples the postgres state store's pools into gauges.
type DBStatsCollector struct {
	writePool *pgxpool.Pool
	readDB    *sql.DB
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewDBStatsCollector creates a collector for the write pool and the
// database/sql handle that serves snapshot reads. Either may be nil.
func NewDBStatsCollector(writePool *pgxpool.Pool, readDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		writePool: writePool,
		readDB:    readDB,
		logger:    logger.With("component", "db_stats"),
		done:      make(chan struct{}),
	}
}

// Start samples once immediately and then every interval until Stop.
func (c *DBStatsCollector) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.sample()
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
	c.logger.Info("database stats collector started", "interval", interval)
}

// Stop ends sampling and waits for the loop to exit. Safe to call twice.
func (c *DBStatsCollector) Stop() {
	c.once.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
		c.logger.Info("database stats collector stopped")
	})
}

func (c *DBStatsCollector) sample() {
	if c.writePool != nil {
		stat := c.writePool.Stat()
		DBConnectionsOpen.Set(float64(stat.TotalConns()))
		DBConnectionsInUse.Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.Set(float64(stat.MaxConns()))
	}
	if c.readDB != nil {
		stats := c.readDB.Stats()
		DBReadConnectionsOpen.Set(float64(stats.OpenConnections))
		DBReadConnectionsInUse.Set(float64(stats.InUse))
	}
}

// RecordQueryDuration records the duration of a state store operation
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery times a state store operation.
// Usage: defer metrics.TimeQuery("state_view")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the result
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	defer TimeQuery("ping")()
	return pool.Ping(ctx)
}
