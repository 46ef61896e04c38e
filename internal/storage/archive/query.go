package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Query selects archived buckets of one channel and tier overlapping
// [FromMs, ToMs). A zero ToMs is unbounded.
type Query struct {
	Channel types.ChannelID
	Tier    string
	FromMs  int64
	ToMs    int64
	Limit   int
}

// Querier runs DuckDB queries over archive files.
type Querier struct {
	dir     string
	db      *sql.DB
	timeout time.Duration
	maxRows int

	queries atomic.Int64
	rows    atomic.Int64
	errors  atomic.Int64
}

// QuerierStats holds query statistics.
type QuerierStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// NewQuerier opens an in-memory DuckDB database for archive queries.
func NewQuerier(dir string, cfg config.QueryConfig) (*Querier, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		if _, err := config.ParseMemoryLimit(cfg.MemoryLimit); err != nil {
			db.Close()
			return nil, errs.NewInvalidValue("archive.query.memory_limit", cfg.MemoryLimit, err.Error())
		}
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 100000
	}

	return &Querier{
		dir:     dir,
		db:      db,
		timeout: timeout,
		maxRows: maxRows,
	}, nil
}

// Close closes the DuckDB database.
func (q *Querier) Close() error {
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}

// Query returns archived buckets matching aq, oldest first.
func (q *Querier) Query(ctx context.Context, aq Query) ([]types.RollupBucket, error) {
	if aq.Tier == "" {
		aq.Tier = types.BaseTier
	}
	if strings.ContainsAny(aq.Tier, `/\'`) || strings.Contains(aq.Tier, "..") {
		return nil, fmt.Errorf("tier %q: %w", aq.Tier, errs.ErrInvalidRequest)
	}

	pattern := filepath.Join(q.dir, aq.Tier, "*.parquet")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob archive: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	limit := q.maxRows
	if aq.Limit > 0 && aq.Limit < limit {
		limit = aq.Limit
	}
	toMs := aq.ToMs
	if toMs == 0 {
		toMs = 1<<63 - 1
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	// read_parquet takes the glob literally
	query := fmt.Sprintf(`
		SELECT
			channel, tier,
			bucket_start, bucket_end,
			count, sum, min, max, avg,
			p50, p90, p95, p99,
			first_ts, last_ts
		FROM read_parquet('%s')
		WHERE channel = ?
		  AND bucket_end > ?
		  AND bucket_start < ?
		ORDER BY bucket_start
		LIMIT ?
	`, strings.ReplaceAll(pattern, "'", "''"))

	rows, err := q.db.QueryContext(ctx, query, string(aq.Channel), aq.FromMs, toMs, limit)
	if err != nil {
		q.errors.Add(1)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("archive query: %w", errs.ErrTimeout)
		}
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer rows.Close()

	results, err := scanBuckets(rows)
	if err != nil {
		q.errors.Add(1)
		return nil, err
	}

	q.queries.Add(1)
	q.rows.Add(int64(len(results)))
	return results, nil
}

func scanBuckets(rows *sql.Rows) ([]types.RollupBucket, error) {
	var results []types.RollupBucket

	for rows.Next() {
		var b types.RollupBucket
		var channel string
		var p50, p90, p95, p99 sql.NullFloat64

		err := rows.Scan(
			&channel, &b.Tier,
			&b.BucketStart, &b.BucketEnd,
			&b.Count, &b.Sum, &b.Min, &b.Max, &b.Avg,
			&p50, &p90, &p95, &p99,
			&b.FirstTs, &b.LastTs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		b.Channel = types.ChannelID(channel)

		if p50.Valid {
			b.SetPercentiles(p50.Float64, p90.Float64, p95.Float64, p99.Float64)
		}

		results = append(results, b)
	}

	return results, rows.Err()
}

// Stats returns query statistics.
func (q *Querier) Stats() QuerierStats {
	return QuerierStats{
		QueriesExecuted: q.queries.Load(),
		RowsReturned:    q.rows.Load(),
		Errors:          q.errors.Load(),
	}
}
