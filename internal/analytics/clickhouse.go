package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/tenantads/internal/models"
)

// Event types emitted by the ad runtime.
const (
	EventAdLoaded   = "ad_loaded"
	EventAdFailed   = "ad_failed"
	EventAdFallback = "ad_fallback"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = fmt.Errorf("analytics unavailable")

// AdEvent mirrors a row in the ad_events table.
type AdEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	EventType  string           `json:"event_type"`
	TenantID   string           `json:"tenant_id"`
	AdID       string           `json:"ad_id"`
	AdType     models.AdType    `json:"ad_type"`
	Placement  models.Placement `json:"placement"`
	PageType   models.PageType  `json:"page_type"`
	Reason     string           `json:"reason,omitempty"`
	DeviceType string           `json:"device_type,omitempty"`
	Country    string           `json:"country,omitempty"`
}

// EventSink receives ad lifecycle events. Implementations return
// ErrUnavailable when their storage is not configured.
type EventSink interface {
	RecordAdEvent(ctx context.Context, ev AdEvent) error
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB *sql.DB
}

const createAdEvents = `CREATE TABLE IF NOT EXISTS ad_events (
       timestamp    DateTime,
       event_type   String,
       tenant_id    String,
       ad_id        String,
       ad_type      String,
       placement    String,
       page_type    String,
       reason       String,
       device_type  Nullable(String),
       country      Nullable(String)
   ) ENGINE=MergeTree() ORDER BY (tenant_id, event_type, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the ad_events table exists.
func InitClickHouse(dsn string) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(25)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	a := &Analytics{DB: db}
	if err := a.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}

	zap.L().Info("Connected to ClickHouse")
	return a, nil
}

// EnsureSchema creates the ad_events table when missing.
func (a *Analytics) EnsureSchema(ctx context.Context) error {
	if _, err := a.DB.ExecContext(ctx, createAdEvents); err != nil {
		return fmt.Errorf("clickhouse create table: %w", err)
	}
	return nil
}

// RecordAdEvent inserts a single row into ad_events. A zero timestamp is
// replaced with the current time.
func (a *Analytics) RecordAdEvent(ctx context.Context, ev AdEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	tenant := ev.TenantID
	if tenant == "" {
		tenant = models.MainTenant
	}

	var dt sql.NullString
	if ev.DeviceType != "" {
		dt.String = ev.DeviceType
		dt.Valid = true
	}
	var co sql.NullString
	if ev.Country != "" {
		co.String = ev.Country
		co.Valid = true
	}

	stmt := `INSERT INTO ad_events (timestamp, event_type, tenant_id, ad_id, ad_type, placement, page_type, reason, device_type, country) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, ev.Timestamp, ev.EventType, tenant, ev.AdID,
		string(ev.AdType), string(ev.Placement), string(ev.PageType), ev.Reason, dt, co); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", ev.EventType))
		return fmt.Errorf("insert %s event: %w", ev.EventType, err)
	}
	return nil
}

// AdEventCount is an aggregated count per ad and event type.
type AdEventCount struct {
	AdID      string `json:"ad_id"`
	EventType string `json:"event_type"`
	Count     uint64 `json:"count"`
}

// CountsByTenant aggregates the tenant's events since the given time.
func (a *Analytics) CountsByTenant(ctx context.Context, tenantID string, since time.Time) ([]AdEventCount, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT ad_id, event_type, count() FROM ad_events WHERE tenant_id = ? AND timestamp >= ? GROUP BY ad_id, event_type ORDER BY ad_id, event_type`
	rows, err := a.DB.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query ad events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []AdEventCount
	for rows.Next() {
		var c AdEventCount
		if err := rows.Scan(&c.AdID, &c.EventType, &c.Count); err != nil {
			return nil, fmt.Errorf("scan ad event count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
