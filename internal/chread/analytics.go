// Package chread reads audit analytics from the ClickHouse audit_events mirror.
package chread

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/triage-ai/agentguard/internal/storage"
	"go.uber.org/zap"
)

// MaxDays bounds the analytics window.
const MaxDays = 90

// querier is the slice of driver.Conn the reader needs.
type querier interface {
	Select(ctx context.Context, dest any, query string, args ...any) error
	Close() error
}

// Reader runs the tenant analytics queries.
type Reader struct {
	db     querier
	now    func() time.Time
	logger *zap.Logger
}

// NewReader connects to the ClickHouse instance at dsn.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := storage.OpenClickHouse(dsn)
	if err != nil {
		return nil, fmt.Errorf("chread: %w", err)
	}
	return newReader(conn, logger), nil
}

func newReader(db querier, logger *zap.Logger) *Reader {
	return &Reader{db: db, now: time.Now, logger: logger}
}

func (r *Reader) Close() error {
	return r.db.Close()
}

// SummaryStats counts records by kind and outcome.
type SummaryStats struct {
	Decisions        int `json:"decisions"`
	Allows           int `json:"allows"`
	PolicyDenials    int `json:"policy_denials"`
	RateLimited      int `json:"rate_limited"`
	DependencyErrors int `json:"dependency_errors"`
	Warnings         int `json:"warnings"`
}

// TimeSeriesBucket is one hour of denials. Hour is RFC 3339 in UTC.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// LatencyStats are evaluation latency percentiles in milliseconds over the
// last 24 hours, regardless of the requested window.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult is the analytics endpoint payload. Slices are never nil.
type AnalyticsResult struct {
	Days               int                `json:"days"`
	Summary            SummaryStats       `json:"summary"`
	DenialsOverTime    []TimeSeriesBucket `json:"denials_over_time"`
	TopChecks          []KeyCount         `json:"top_checks"`
	TopDeniedTools     []KeyCount         `json:"top_denied_tools"`
	TopDeniedAgents    []KeyCount         `json:"top_denied_agents"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// ClampDays keeps the requested window within [1, MaxDays].
func ClampDays(days int) int {
	return min(max(days, 1), MaxDays)
}

type summaryRow struct {
	Decisions uint64 `ch:"decisions"`
	Allows    uint64 `ch:"allows"`
	Denied    uint64 `ch:"denied"`
	Limited   uint64 `ch:"limited"`
	DepErrors uint64 `ch:"dep_errors"`
	Warnings  uint64 `ch:"warnings"`
}

type hourRow struct {
	Hour  time.Time `ch:"hour"`
	Count uint64    `ch:"count"`
}

type keyRow struct {
	Key   string `ch:"key"`
	Count uint64 `ch:"count"`
}

type latencyRow struct {
	P50 float64 `ch:"p50"`
	P95 float64 `ch:"p95"`
	P99 float64 `ch:"p99"`
}

const (
	summaryQuery = `SELECT
	countIf(kind = 'decision')               AS decisions,
	countIf(outcome = 'allow')               AS allows,
	countIf(outcome = 'policy_denied')       AS denied,
	countIf(outcome = 'rate_limited')        AS limited,
	countIf(outcome = 'dependency_error')    AS dep_errors,
	countIf(kind = 'warning')                AS warnings
FROM audit_events
WHERE tenant_id = @tenant_id AND timestamp >= @since`

	denialsQuery = `SELECT toStartOfHour(timestamp) AS hour, count() AS count
FROM audit_events
WHERE tenant_id = @tenant_id AND timestamp >= @since
	AND outcome IN ('policy_denied', 'rate_limited', 'dependency_error')
GROUP BY hour
ORDER BY hour`

	// %[1]s is a fixed column name, never caller input.
	topDeniedQuery = `SELECT %[1]s AS key, count() AS count
FROM audit_events
WHERE tenant_id = @tenant_id AND timestamp >= @since AND %[1]s != ''
	AND outcome IN ('policy_denied', 'rate_limited', 'dependency_error')
GROUP BY key
ORDER BY count DESC
LIMIT 10`

	latencyQuery = `SELECT
	quantile(0.5)(latency_ms)  AS p50,
	quantile(0.95)(latency_ms) AS p95,
	quantile(0.99)(latency_ms) AS p99
FROM audit_events
WHERE tenant_id = @tenant_id AND kind = 'decision' AND timestamp >= @since`
)

// GetAnalytics aggregates a tenant's audit events over the last days days
// (clamped to [1, MaxDays]).
func (r *Reader) GetAnalytics(ctx context.Context, tenantID string, days int) (*AnalyticsResult, error) {
	days = ClampDays(days)
	now := r.now().UTC()
	window := now.AddDate(0, 0, -days)

	res := &AnalyticsResult{Days: days}

	summary, err := r.summary(ctx, tenantID, window)
	if err != nil {
		return nil, err
	}
	res.Summary = summary

	if res.DenialsOverTime, err = r.denialsByHour(ctx, tenantID, window); err != nil {
		return nil, err
	}

	for _, top := range []struct {
		column string
		dest   *[]KeyCount
	}{
		{"check_name", &res.TopChecks},
		{"tool_name", &res.TopDeniedTools},
		{"agent_id", &res.TopDeniedAgents},
	} {
		if *top.dest, err = r.topDenied(ctx, tenantID, window, top.column); err != nil {
			return nil, err
		}
	}

	if res.LatencyPercentiles, err = r.latency(ctx, tenantID, now.Add(-24*time.Hour)); err != nil {
		return nil, err
	}
	r.logger.Debug("analytics computed",
		zap.String("tenant_id", tenantID),
		zap.Int("days", days),
		zap.Duration("elapsed", r.now().Sub(now)),
	)
	return res, nil
}

func (r *Reader) summary(ctx context.Context, tenantID string, since time.Time) (SummaryStats, error) {
	var rows []summaryRow
	if err := r.db.Select(ctx, &rows, summaryQuery, args(tenantID, since)...); err != nil {
		return SummaryStats{}, fmt.Errorf("analytics summary: %w", err)
	}
	if len(rows) == 0 {
		return SummaryStats{}, nil
	}
	s := rows[0]
	return SummaryStats{
		Decisions:        int(s.Decisions),
		Allows:           int(s.Allows),
		PolicyDenials:    int(s.Denied),
		RateLimited:      int(s.Limited),
		DependencyErrors: int(s.DepErrors),
		Warnings:         int(s.Warnings),
	}, nil
}

func (r *Reader) denialsByHour(ctx context.Context, tenantID string, since time.Time) ([]TimeSeriesBucket, error) {
	var rows []hourRow
	if err := r.db.Select(ctx, &rows, denialsQuery, args(tenantID, since)...); err != nil {
		return nil, fmt.Errorf("analytics denials by hour: %w", err)
	}
	out := make([]TimeSeriesBucket, len(rows))
	for i, row := range rows {
		out[i] = TimeSeriesBucket{Hour: row.Hour.UTC().Format(time.RFC3339), Count: int(row.Count)}
	}
	return out, nil
}

func (r *Reader) topDenied(ctx context.Context, tenantID string, since time.Time, column string) ([]KeyCount, error) {
	var rows []keyRow
	if err := r.db.Select(ctx, &rows, fmt.Sprintf(topDeniedQuery, column), args(tenantID, since)...); err != nil {
		return nil, fmt.Errorf("analytics top %s: %w", column, err)
	}
	out := make([]KeyCount, len(rows))
	for i, row := range rows {
		out[i] = KeyCount{Key: row.Key, Count: int(row.Count)}
	}
	return out, nil
}

func (r *Reader) latency(ctx context.Context, tenantID string, since time.Time) (LatencyStats, error) {
	var rows []latencyRow
	if err := r.db.Select(ctx, &rows, latencyQuery, args(tenantID, since)...); err != nil {
		return LatencyStats{}, fmt.Errorf("analytics latency: %w", err)
	}
	if len(rows) == 0 {
		return LatencyStats{}, nil
	}
	// quantile() over zero rows is NaN.
	return LatencyStats{
		P50: finite(rows[0].P50),
		P95: finite(rows[0].P95),
		P99: finite(rows[0].P99),
	}, nil
}

func args(tenantID string, since time.Time) []any {
	return []any{
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("since", since),
	}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
