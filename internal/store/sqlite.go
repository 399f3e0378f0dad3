package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/resilience"
)

// SQLite stores timestamps as fixed-width UTC text so they sort lexically.
const (
	sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteDateFormat = "2006-01-02"
)

// SQLiteStore implements Store using modernc.org/sqlite. The pool is limited
// to one connection, so every write transaction runs alone.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryConfig
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, retry: resilience.DefaultRetryConfig()}, nil
}

// SetRetry replaces the retry policy used for busy-database failures.
func (s *SQLiteStore) SetRetry(cfg resilience.RetryConfig) { s.retry = cfg }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Ratebook ---

func (s *SQLiteStore) LoadRatebook(ctx context.Context, tenantID string) (*model.RatebookData, error) {
	data := &model.RatebookData{}
	for _, t := range ratebookTables {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = ? ORDER BY position`, quoteAndJoin(t.selectColumns()), t.name),
			tenantID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: load %s", t.name)
		}
		err = t.scanInto(rows, data)
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (s *SQLiteStore) ReplaceRatebook(ctx context.Context, tenantID string, data model.RatebookData) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range ratebookTables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ?`, t.name), tenantID); err != nil {
				return eris.Wrapf(err, "sqlite: clear %s", t.name)
			}
			cols := t.insertColumns()
			stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.name, quoteAndJoin(cols), placeholders(len(cols)))
			for _, row := range t.rows(tenantID, data) {
				if _, err := tx.ExecContext(ctx, stmt, row...); err != nil {
					return eris.Wrapf(err, "sqlite: insert %s", t.name)
				}
			}
		}
		return nil
	})
}

// --- Quotes ---

func (s *SQLiteStore) CreateQuote(ctx context.Context, q *model.QuoteRecord) error {
	prepareQuote(q)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quote_history (`+quoteColumns+`) VALUES (`+placeholders(28)+`)`,
		q.ID, q.TenantID, string(q.Status), q.PropertyType, q.Perimeter, q.ZoneName, q.Street, q.City, q.State, q.PostalCode,
		nullFloat(q.Lat), nullFloat(q.Lon), nullDate(q.PreferredDate), nullDate(q.DateStart), nullDate(q.DateEnd),
		q.FlexibleScheduling, q.JobMinutes, q.OriginalPrice, q.FinalPrice,
		q.DiscountAmount, q.DiscountPercentage, nullText(q.Breakdown), nullText(q.SelectedOption),
		q.ClusterID, q.CustomerID, q.RequestedBy, formatTime(q.CreatedAt), formatTime(q.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert quote %s", q.ID)
}

func (s *SQLiteStore) GetQuote(ctx context.Context, tenantID, id string) (*model.QuoteRecord, error) {
	q, err := scanSQLiteQuote(s.db.QueryRowContext(ctx,
		`SELECT `+quoteColumns+` FROM quote_history WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "quote %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get quote %s", id)
	}
	return q, nil
}

func (s *SQLiteStore) UpdateQuoteStatus(ctx context.Context, tenantID, id string, status model.QuoteStatus, customerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_history
		 SET status = ?, customer_id = CASE WHEN ? = '' THEN customer_id ELSE ? END, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = 'pending'`,
		string(status), customerID, customerID, formatTime(time.Now()), tenantID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update quote status %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM quote_history WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "quote %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get quote status %s", id)
	}
	return eris.Wrapf(model.ErrQuoteClosed, "quote %s is %s", id, current)
}

func (s *SQLiteStore) ExpireQuotes(ctx context.Context, tenantID string, createdBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_history SET status = 'expired', updated_at = ?
		 WHERE status = 'pending' AND created_at < ? AND (? = '' OR tenant_id = ?)`,
		formatTime(time.Now()), formatTime(createdBefore), tenantID, tenantID,
	)
	return rowsAffected(res, err, "sqlite: expire quotes")
}

func (s *SQLiteStore) SimilarQuotePrices(ctx context.Context, tenantID string, q SimilarQuery) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT final_price FROM quote_history
		 WHERE tenant_id = ? AND lower(property_type) = lower(?) AND perimeter_feet BETWEEN ? AND ?
		   AND id <> ? AND status <> 'expired'
		 ORDER BY created_at DESC LIMIT ?`,
		tenantID, q.PropertyType, q.MinPerimeter, q.MaxPerimeter, q.ExcludeID, listLimit(q.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: similar quotes")
	}
	defer rows.Close() //nolint:errcheck
	return collectFloats(rows, "sqlite: similar quotes")
}

// ListUnscheduledQuotes returns open quotes that could share a route in
// window: flexible ones, those preferring a day in it, and those whose date
// range overlaps it.
func (s *SQLiteStore) ListUnscheduledQuotes(ctx context.Context, tenantID string, window model.DateRange) ([]model.QuoteRecord, error) {
	start, end := formatDate(window.Start), formatDate(window.End)
	return s.queryQuotes(ctx, "sqlite: list unscheduled quotes",
		`SELECT `+quoteColumns+` FROM quote_history
		 WHERE tenant_id = ? AND status = 'pending' AND cluster_id = ''
		   AND lat IS NOT NULL AND lon IS NOT NULL
		   AND (flexible_scheduling = 1
		     OR preferred_date BETWEEN ? AND ?
		     OR (date_start <= ? AND date_end >= ?))
		 ORDER BY created_at LIMIT 500`,
		tenantID, start, end, end, start,
	)
}

// ListUnlocatedQuotes returns pending quotes that carry an address but no
// coordinates, oldest first. An empty tenantID covers all tenants.
func (s *SQLiteStore) ListUnlocatedQuotes(ctx context.Context, tenantID string, limit int) ([]model.QuoteRecord, error) {
	return s.queryQuotes(ctx, "sqlite: list unlocated quotes",
		`SELECT `+quoteColumns+` FROM quote_history
		 WHERE status = 'pending' AND (? = '' OR tenant_id = ?)
		   AND (lat IS NULL OR lon IS NULL)
		   AND (street <> '' OR city <> '' OR postal_code <> '')
		 ORDER BY created_at LIMIT ?`,
		tenantID, tenantID, listLimit(limit),
	)
}

func (s *SQLiteStore) SetQuoteLocation(ctx context.Context, tenantID, id string, lat, lon float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_history SET lat = ?, lon = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		lat, lon, formatTime(time.Now()), tenantID, id,
	)
	n, err := rowsAffected(res, err, "sqlite: set quote location")
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "quote %s", id)
	}
	return nil
}

func (s *SQLiteStore) queryQuotes(ctx context.Context, op, query string, args ...any) ([]model.QuoteRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QuoteRecord
	for rows.Next() {
		q, err := scanSQLiteQuote(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quote")
		}
		out = append(out, *q)
	}
	return out, eris.Wrap(rows.Err(), op+" iterate")
}

// --- Competitor pricing ---

func (s *SQLiteStore) InsertCompetitorPrices(ctx context.Context, tenantID string, prices []model.CompetitorPrice) (int64, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt := `INSERT INTO competitor_pricing (` + strings.Join(competitorColumnNames, ", ") + `) VALUES (` + placeholders(len(competitorColumnNames)) + `)`
		for _, row := range competitorRows(tenantID, prices) {
			row[4] = formatTime(row[4].(time.Time))
			if _, err := tx.ExecContext(ctx, stmt, row...); err != nil {
				return eris.Wrap(err, "sqlite: insert competitor price")
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) CompetitorPrices(ctx context.Context, tenantID, propertyType string, since time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT price FROM competitor_pricing
		 WHERE tenant_id = ? AND lower(property_type) = lower(?) AND observed_at >= ?`,
		tenantID, propertyType, formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: competitor prices")
	}
	defer rows.Close() //nolint:errcheck
	return collectFloats(rows, "sqlite: competitor prices")
}

// --- Clusters ---

func (s *SQLiteStore) CreateCluster(ctx context.Context, c *model.JobCluster, first *model.ClusterJob) error {
	if err := prepareCluster(c, first); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO job_clusters (`+clusterColumns+`) VALUES (`+placeholders(13)+`)`,
			c.ID, c.TenantID, formatDate(c.ServiceDate), c.TechnicianID, c.CenterLat, c.CenterLon,
			c.RadiusMiles, c.JobCount, c.MaxJobs, string(c.Status), c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert cluster %s", c.ID)
		}
		if first == nil {
			return nil
		}
		return sqliteInsertClusterJob(ctx, tx, c.TenantID, first)
	})
}

func (s *SQLiteStore) GetCluster(ctx context.Context, tenantID, id string) (*model.JobCluster, error) {
	c, err := scanSQLiteCluster(s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM job_clusters WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "cluster %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cluster %s", id)
	}
	return c, nil
}

// ListOpenClusters ignores q.Center; SQLite has no spatial index, so the
// caller's distance check does all the filtering.
func (s *SQLiteStore) ListOpenClusters(ctx context.Context, tenantID string, q ClusterQuery) ([]model.JobCluster, error) {
	return s.queryClusters(ctx,
		`SELECT `+clusterColumns+` FROM job_clusters
		 WHERE tenant_id = ? AND status = 'active' AND job_count < max_jobs AND service_date BETWEEN ? AND ?
		 ORDER BY service_date, created_at`,
		tenantID, formatDate(q.From), formatDate(q.To),
	)
}

func (s *SQLiteStore) ListClusters(ctx context.Context, tenantID string, f ClusterFilter) ([]model.JobCluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM job_clusters WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		query += ` AND service_date >= ?`
		args = append(args, formatDate(*f.From))
	}
	if f.To != nil {
		query += ` AND service_date <= ?`
		args = append(args, formatDate(*f.To))
	}
	query += ` ORDER BY service_date, created_at LIMIT ?`
	args = append(args, listLimit(f.Limit))
	return s.queryClusters(ctx, query, args...)
}

func (s *SQLiteStore) queryClusters(ctx context.Context, query string, args ...any) ([]model.JobCluster, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clusters")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.JobCluster
	for rows.Next() {
		c, err := scanSQLiteCluster(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list clusters iterate")
}

func (s *SQLiteStore) ClusterJobs(ctx context.Context, tenantID, clusterID string) ([]model.ClusterJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterJobColumns+` FROM cluster_jobs WHERE tenant_id = ? AND cluster_id = ? ORDER BY schedule_order`,
		tenantID, clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cluster jobs %s", clusterID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ClusterJob
	for rows.Next() {
		var j model.ClusterJob
		var added string
		if err := rows.Scan(&j.ID, &j.ClusterID, &j.QuoteID, &j.Lat, &j.Lon, &j.DistanceFromCenter,
			&j.ScheduleOrder, &j.DurationMinutes, &added); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster job")
		}
		if j.AddedAt, err = parseTime(added); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: cluster jobs iterate")
}

// AddJobToCluster checks capacity and appends the job in one transaction.
// The single connection serializes concurrent joins.
func (s *SQLiteStore) AddJobToCluster(ctx context.Context, tenantID, clusterID string, job *model.ClusterJob) (*model.JobCluster, error) {
	cfg := resilience.SerializationRetry(s.retry, "add_job_to_cluster")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.JobCluster, error) {
		var out *model.JobCluster
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var jobCount, maxJobs int
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT job_count, max_jobs, status FROM job_clusters WHERE tenant_id = ? AND id = ?`,
				tenantID, clusterID,
			).Scan(&jobCount, &maxJobs, &status)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "cluster %s", clusterID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: read cluster %s", clusterID)
			}
			if model.ClusterStatus(status) != model.ClusterActive {
				return eris.Wrapf(model.ErrClusterClosed, "cluster %s is %s", clusterID, status)
			}
			if jobCount >= maxJobs {
				return &model.CapacityConflictError{ClusterID: clusterID, MaxJobs: maxJobs}
			}

			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(schedule_order), 0) + 1 FROM cluster_jobs WHERE cluster_id = ?`, clusterID,
			).Scan(&job.ScheduleOrder); err != nil {
				return eris.Wrapf(err, "sqlite: next job order %s", clusterID)
			}
			job.ClusterID = clusterID
			if err := sqliteInsertClusterJob(ctx, tx, tenantID, job); err != nil {
				return err
			}

			out, err = sqliteBumpCluster(ctx, tx, clusterID, 1)
			return err
		})
		return out, err
	})
}

func (s *SQLiteStore) RemoveJobFromCluster(ctx context.Context, tenantID, clusterID, jobID string) (*model.JobCluster, error) {
	cfg := resilience.SerializationRetry(s.retry, "remove_job_from_cluster")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.JobCluster, error) {
		var out *model.JobCluster
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM job_clusters WHERE tenant_id = ? AND id = ?`, tenantID, clusterID,
			).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "cluster %s", clusterID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: read cluster %s", clusterID)
			}
			if model.ClusterStatus(status) == model.ClusterArchived {
				return eris.Wrapf(model.ErrClusterClosed, "cluster %s is archived", clusterID)
			}

			var quoteID string
			err = tx.QueryRowContext(ctx,
				`SELECT quote_id FROM cluster_jobs WHERE tenant_id = ? AND cluster_id = ? AND id = ?`,
				tenantID, clusterID, jobID,
			).Scan(&quoteID)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "job %s in cluster %s", jobID, clusterID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: read cluster job %s", jobID)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM cluster_jobs WHERE id = ?`, jobID); err != nil {
				return eris.Wrapf(err, "sqlite: delete cluster job %s", jobID)
			}
			if quoteID != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE quote_history SET cluster_id = '', updated_at = ? WHERE tenant_id = ? AND id = ?`,
					formatTime(time.Now()), tenantID, quoteID,
				); err != nil {
					return eris.Wrapf(err, "sqlite: unlink quote %s", quoteID)
				}
			}

			out, err = sqliteBumpCluster(ctx, tx, clusterID, -1)
			return err
		})
		return out, err
	})
}

func (s *SQLiteStore) ArchiveClusters(ctx context.Context, tenantID string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_clusters SET status = 'archived', version = version + 1, updated_at = ?
		 WHERE status <> 'archived' AND service_date < ? AND (? = '' OR tenant_id = ?)`,
		formatTime(time.Now()), formatDate(before), tenantID, tenantID,
	)
	return rowsAffected(res, err, "sqlite: archive clusters")
}

// sqliteInsertClusterJob links the job's quote, then stores the job. The
// link only takes a pending quote that is on no cluster, so a quote can
// never land on two routes.
func sqliteInsertClusterJob(ctx context.Context, tx *sql.Tx, tenantID string, j *model.ClusterJob) error {
	prepareClusterJob(j)
	if j.QuoteID != "" {
		if err := sqliteLinkQuote(ctx, tx, tenantID, j.QuoteID, j.ClusterID, j.AddedAt); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cluster_jobs (id, tenant_id, cluster_id, quote_id, lat, lon, distance_from_center,
		   schedule_order, duration_minutes, added_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, tenantID, j.ClusterID, j.QuoteID, j.Lat, j.Lon, j.DistanceFromCenter,
		j.ScheduleOrder, j.DurationMinutes, formatTime(j.AddedAt),
	)
	return eris.Wrapf(err, "sqlite: insert cluster job %s", j.ID)
}

func sqliteLinkQuote(ctx context.Context, tx *sql.Tx, tenantID, quoteID, clusterID string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE quote_history SET cluster_id = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = 'pending' AND cluster_id = ''`,
		clusterID, formatTime(at), tenantID, quoteID,
	)
	n, err := rowsAffected(res, err, "sqlite: link quote "+quoteID)
	if err != nil || n > 0 {
		return err
	}

	var status, current string
	err = tx.QueryRowContext(ctx,
		`SELECT status, cluster_id FROM quote_history WHERE tenant_id = ? AND id = ?`, tenantID, quoteID,
	).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "quote %s", quoteID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read quote %s", quoteID)
	}
	return linkRefusal(quoteID, model.QuoteStatus(status), current)
}

func sqliteBumpCluster(ctx context.Context, tx *sql.Tx, clusterID string, delta int) (*model.JobCluster, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM route_cache WHERE cluster_id = ?`, clusterID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: invalidate route %s", clusterID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE job_clusters SET job_count = job_count + ?, version = version + 1, updated_at = ? WHERE id = ?`,
		delta, formatTime(time.Now()), clusterID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: update cluster %s", clusterID)
	}
	c, err := scanSQLiteCluster(tx.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM job_clusters WHERE id = ?`, clusterID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reread cluster %s", clusterID)
	}
	return c, nil
}

func (s *SQLiteStore) SetScheduleOrder(ctx context.Context, tenantID, clusterID string, version int, jobIDs []string) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM job_clusters WHERE tenant_id = ? AND id = ?`, tenantID, clusterID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "cluster %s", clusterID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: read cluster %s", clusterID)
		}
		if current != version {
			return nil
		}

		// Negate first so renumbering never trips UNIQUE (cluster_id, schedule_order).
		if _, err := tx.ExecContext(ctx,
			`UPDATE cluster_jobs SET schedule_order = -schedule_order WHERE cluster_id = ?`, clusterID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: park job order %s", clusterID)
		}
		placed := 0
		for i, id := range jobIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE cluster_jobs SET schedule_order = ? WHERE cluster_id = ? AND id = ?`, i+1, clusterID, id,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: set job order %s", id)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrapf(err, "sqlite: set job order %s", id)
			}
			placed += int(n)
		}
		var unplaced int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cluster_jobs WHERE cluster_id = ? AND schedule_order < 1`, clusterID,
		).Scan(&unplaced); err != nil {
			return eris.Wrapf(err, "sqlite: check job order %s", clusterID)
		}
		if unplaced > 0 || placed != len(jobIDs) || len(jobIDs) != countDistinct(jobIDs) {
			return model.NewValidationError("job_ids", "must list every job in the cluster exactly once")
		}
		applied = true
		return nil
	})
	return applied, err
}

// --- Route cache ---

func (s *SQLiteStore) GetCachedRoute(ctx context.Context, tenantID, clusterID string, version int) (*model.Route, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT route FROM route_cache WHERE tenant_id = ? AND cluster_id = ? AND version = ?`,
		tenantID, clusterID, version,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cached route %s", clusterID)
	}
	return decodeRoute([]byte(raw))
}

func (s *SQLiteStore) PutCachedRoute(ctx context.Context, tenantID string, route *model.Route) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal route")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO route_cache (cluster_id, tenant_id, version, route, computed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (cluster_id) DO UPDATE SET version = excluded.version, route = excluded.route, computed_at = excluded.computed_at
		 WHERE route_cache.version <= excluded.version`,
		route.ClusterID, tenantID, route.Version, string(raw), formatTime(route.ComputedAt),
	)
	return eris.Wrapf(err, "sqlite: put cached route %s", route.ClusterID)
}

// --- Approvals ---

func (s *SQLiteStore) OpenApproval(ctx context.Context, a *model.PricingApproval, alerts []model.PricingAlert) (*model.PricingApproval, bool, error) {
	prepareApproval(a)
	triggers, err := json.Marshal(a.Triggers)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal triggers")
	}

	var (
		out     *model.PricingApproval
		created bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		latest, err := scanSQLiteApproval(tx.QueryRowContext(ctx,
			`SELECT `+approvalColumns+` FROM pricing_approvals
			 WHERE tenant_id = ? AND quote_id = ? ORDER BY created_at DESC LIMIT 1`,
			a.TenantID, a.QuoteID,
		))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return eris.Wrapf(err, "sqlite: latest approval for quote %s", a.QuoteID)
		default:
			action, err := classifyLatest(latest, a.CreatedAt)
			if err != nil {
				return err
			}
			switch action {
			case reuseLatest:
				if latest.Steps, err = sqliteApprovalSteps(ctx, tx, latest.ID); err != nil {
					return err
				}
				out = latest
				return nil
			case expireLatest:
				if err := sqliteExpireApproval(ctx, tx, latest.ID, a.CreatedAt); err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pricing_approvals (`+approvalColumns+`) VALUES (`+placeholders(16)+`)`,
			a.ID, a.TenantID, a.QuoteID, a.OriginalPrice.InexactFloat64(), a.RequestedPrice.InexactFloat64(),
			a.DiscountPercentage, string(triggers), string(a.RequiredLevel), string(a.Status), a.CurrentStep,
			a.RequestedBy, a.FinalDecision, a.Version, formatTime(a.ExpiresAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert approval %s", a.ID)
		}
		for _, st := range a.Steps {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO approval_steps (id, tenant_id, approval_id, step_order, level, status, approver_id, comments, decided_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID, a.TenantID, a.ID, st.Order, string(st.Level), string(st.Status), st.ApproverID, st.Comments, nullTime(st.DecidedAt),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert approval step %s", st.ID)
			}
		}
		approvalAlerts(a, alerts)
		if err := sqliteInsertAlerts(ctx, tx, alerts); err != nil {
			return err
		}
		out, created = a, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func sqliteExpireApproval(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE approval_steps SET status = 'skipped' WHERE approval_id = ? AND status = 'pending'`, id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: skip steps of %s", id)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE pricing_approvals SET status = 'expired', final_decision = 'expired', version = version + 1, updated_at = ?
		 WHERE id = ?`,
		formatTime(now), id,
	)
	return eris.Wrapf(err, "sqlite: expire approval %s", id)
}

func (s *SQLiteStore) GetApproval(ctx context.Context, tenantID, id string) (*model.PricingApproval, error) {
	a, err := scanSQLiteApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM pricing_approvals WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "approval %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get approval %s", id)
	}
	if a.Steps, err = sqliteApprovalSteps(ctx, s.db, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, tenantID string, f ApprovalFilter) ([]model.PricingApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM pricing_approvals WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.QuoteID != "" {
		query += ` AND quote_id = ?`
		args = append(args, f.QuoteID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list approvals")
	}
	var out []model.PricingApproval
	for rows.Next() {
		a, err := scanSQLiteApproval(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan approval")
		}
		out = append(out, *a)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list approvals iterate")
	}

	for i := range out {
		if out[i].Steps, err = sqliteApprovalSteps(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateApproval reads the approval inside a write transaction, passes it to
// fn and persists the result with a bumped version unless fn fails. A
// rejection also closes the quote.
func (s *SQLiteStore) UpdateApproval(ctx context.Context, tenantID, id string, fn func(a *model.PricingApproval) error) (*model.PricingApproval, error) {
	cfg := resilience.SerializationRetry(s.retry, "update_approval")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.PricingApproval, error) {
		var out *model.PricingApproval
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			a, err := scanSQLiteApproval(tx.QueryRowContext(ctx,
				`SELECT `+approvalColumns+` FROM pricing_approvals WHERE tenant_id = ? AND id = ?`, tenantID, id))
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(model.ErrNotFound, "approval %s", id)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: read approval %s", id)
			}
			if a.Steps, err = sqliteApprovalSteps(ctx, tx, id); err != nil {
				return err
			}

			wasPending := a.Status == model.ApprovalPending
			if err := fn(a); err != nil {
				return err
			}

			a.Version++
			a.UpdatedAt = time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE pricing_approvals SET status = ?, current_step = ?, final_decision = ?, version = ?, updated_at = ? WHERE id = ?`,
				string(a.Status), a.CurrentStep, a.FinalDecision, a.Version, formatTime(a.UpdatedAt), a.ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: update approval %s", id)
			}
			for _, st := range a.Steps {
				if _, err := tx.ExecContext(ctx,
					`UPDATE approval_steps SET status = ?, approver_id = ?, comments = ?, decided_at = ? WHERE id = ?`,
					string(st.Status), st.ApproverID, st.Comments, nullTime(st.DecidedAt), st.ID,
				); err != nil {
					return eris.Wrapf(err, "sqlite: update approval step %s", st.ID)
				}
			}
			if wasPending && a.Status == model.ApprovalRejected {
				if _, err := tx.ExecContext(ctx,
					`UPDATE quote_history SET status = 'rejected', updated_at = ? WHERE tenant_id = ? AND id = ? AND status = 'pending'`,
					formatTime(a.UpdatedAt), tenantID, a.QuoteID,
				); err != nil {
					return eris.Wrapf(err, "sqlite: reject quote %s", a.QuoteID)
				}
			}
			out = a
			return nil
		})
		return out, err
	})
}

func (s *SQLiteStore) ExpireApprovals(ctx context.Context, tenantID string, now time.Time) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := formatTime(now)
		if _, err := tx.ExecContext(ctx,
			`UPDATE approval_steps SET status = 'skipped'
			 WHERE status = 'pending' AND approval_id IN (
			   SELECT id FROM pricing_approvals
			   WHERE status = 'pending' AND expires_at <= ? AND (? = '' OR tenant_id = ?))`,
			cutoff, tenantID, tenantID,
		); err != nil {
			return eris.Wrap(err, "sqlite: skip expired steps")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE pricing_approvals SET status = 'expired', final_decision = 'expired', version = version + 1, updated_at = ?
			 WHERE status = 'pending' AND expires_at <= ? AND (? = '' OR tenant_id = ?)`,
			cutoff, cutoff, tenantID, tenantID,
		)
		n, err = rowsAffected(res, err, "sqlite: expire approvals")
		return err
	})
	return n, err
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteApprovalSteps(ctx context.Context, q sqlQuerier, approvalID string) ([]model.ApprovalStep, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM approval_steps WHERE approval_id = ? ORDER BY step_order`, approvalID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: approval steps %s", approvalID)
	}
	defer rows.Close() //nolint:errcheck

	var steps []model.ApprovalStep
	for rows.Next() {
		var st model.ApprovalStep
		var level, status string
		var decided sql.NullString
		if err := rows.Scan(&st.ID, &st.ApprovalID, &st.Order, &level, &status, &st.ApproverID, &st.Comments, &decided); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan approval step")
		}
		st.Level, st.Status = model.ApprovalLevel(level), model.StepStatus(status)
		if st.DecidedAt, err = parseNullTime(decided); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, eris.Wrap(rows.Err(), "sqlite: approval steps iterate")
}

// --- Alerts ---

func (s *SQLiteStore) InsertAlerts(ctx context.Context, alerts []model.PricingAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsertAlerts(ctx, tx, alerts)
	})
}

func sqliteInsertAlerts(ctx context.Context, tx *sql.Tx, alerts []model.PricingAlert) error {
	stmt := `INSERT INTO pricing_alerts (` + alertColumns + `) VALUES (` + placeholders(len(alertColumnNames)) + `)`
	for _, row := range alertRows(alerts) {
		row[10] = formatTime(row[10].(time.Time))
		if _, err := tx.ExecContext(ctx, stmt, row...); err != nil {
			return eris.Wrap(err, "sqlite: insert alert")
		}
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, tenantID string, f AlertFilter) ([]model.PricingAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM pricing_alerts WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.QuoteID != "" {
		query += ` AND quote_id = ?`
		args = append(args, f.QuoteID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PricingAlert
	for rows.Next() {
		var al model.PricingAlert
		var kind, severity, created string
		if err := rows.Scan(&al.ID, &al.TenantID, &al.QuoteID, &al.ApprovalID, &kind, &al.RuleName, &severity,
			&al.Message, &al.Observed, &al.Reference, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		al.Kind, al.Severity = model.AlertKind(kind), model.AlertSeverity(severity)
		if al.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list alerts iterate")
}

// --- scanning and helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteQuote(row scannable) (*model.QuoteRecord, error) {
	var q model.QuoteRecord
	var status, created, updated string
	var preferred, dateStart, dateEnd, breakdown, option sql.NullString
	err := row.Scan(&q.ID, &q.TenantID, &status, &q.PropertyType, &q.Perimeter, &q.ZoneName,
		&q.Street, &q.City, &q.State, &q.PostalCode, &q.Lat, &q.Lon, &preferred, &dateStart, &dateEnd,
		&q.FlexibleScheduling, &q.JobMinutes, &q.OriginalPrice, &q.FinalPrice, &q.DiscountAmount,
		&q.DiscountPercentage, &breakdown, &option, &q.ClusterID, &q.CustomerID, &q.RequestedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	q.Status = model.QuoteStatus(status)
	for _, d := range []struct {
		dst **time.Time
		src sql.NullString
	}{{&q.PreferredDate, preferred}, {&q.DateStart, dateStart}, {&q.DateEnd, dateEnd}} {
		if *d.dst, err = parseNullDate(d.src); err != nil {
			return nil, err
		}
	}
	if breakdown.Valid {
		q.Breakdown = json.RawMessage(breakdown.String)
	}
	if option.Valid {
		q.SelectedOption = json.RawMessage(option.String)
	}
	if q.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &q, nil
}

func scanSQLiteCluster(row scannable) (*model.JobCluster, error) {
	var c model.JobCluster
	var status, serviceDate, created, updated string
	err := row.Scan(&c.ID, &c.TenantID, &serviceDate, &c.TechnicianID, &c.CenterLat, &c.CenterLon,
		&c.RadiusMiles, &c.JobCount, &c.MaxJobs, &status, &c.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Status = model.ClusterStatus(status)
	if c.ServiceDate, err = time.Parse(sqliteDateFormat, serviceDate); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse service date %q", serviceDate)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSQLiteApproval(row scannable) (*model.PricingApproval, error) {
	var a model.PricingApproval
	var original, requested float64
	var triggers, level, status, expires, created, updated string
	err := row.Scan(&a.ID, &a.TenantID, &a.QuoteID, &original, &requested, &a.DiscountPercentage, &triggers,
		&level, &status, &a.CurrentStep, &a.RequestedBy, &a.FinalDecision, &a.Version, &expires, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.OriginalPrice = decimal.NewFromFloat(original).Round(2)
	a.RequestedPrice = decimal.NewFromFloat(requested).Round(2)
	a.RequiredLevel, a.Status = model.ApprovalLevel(level), model.ApprovalStatus(status)
	if triggers != "" {
		if err := json.Unmarshal([]byte(triggers), &a.Triggers); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal triggers")
		}
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&a.ExpiresAt, expires}, {&a.CreatedAt, created}, {&a.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeFormat) }

func formatDate(t time.Time) string { return model.TruncateDay(t).Format(sqliteDateFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := time.Parse(sqliteDateFormat, ns.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse date %q", ns.String)
	}
	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDate(*t)
}

func nullText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func rowsAffected(res sql.Result, err error, op string) (int, error) {
	if err != nil {
		return 0, eris.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, op)
	}
	return int(n), nil
}
