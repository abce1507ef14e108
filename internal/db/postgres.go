package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the ads table if it doesn't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS ads (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL DEFAULT 'main',
    placement TEXT NOT NULL,
    appearance TEXT NOT NULL DEFAULT 'FULL_WIDTH',
    code_snippet TEXT NOT NULL,
    is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    priority INT NOT NULL DEFAULT 0,
    position_offset INT NULL,
    page_types TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ads_tenant_placement ON ads (tenant_id, placement);
`

const adColumns = `id, tenant_id, placement, appearance, code_snippet, is_enabled, priority, position_offset, page_types, created_at, updated_at`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// EnsureSchema creates the ads table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAd(row rowScanner) (models.AdRecord, error) {
	var ad models.AdRecord
	var placement, appearance string
	var offset sql.NullInt64
	var pageTypes pq.StringArray
	if err := row.Scan(&ad.ID, &ad.TenantID, &placement, &appearance, &ad.CodeSnippet, &ad.IsEnabled,
		&ad.Priority, &offset, &pageTypes, &ad.CreatedAt, &ad.UpdatedAt); err != nil {
		return ad, err
	}
	ad.Placement = models.Placement(placement)
	ad.Appearance = models.Appearance(appearance)
	if offset.Valid {
		v := int(offset.Int64)
		ad.PositionOffset = &v
	}
	for _, pt := range pageTypes {
		ad.PageTypes = append(ad.PageTypes, models.PageType(pt))
	}
	return ad, nil
}

func pageTypeArray(pts []models.PageType) pq.StringArray {
	out := make(pq.StringArray, 0, len(pts))
	for _, pt := range pts {
		out = append(out, string(pt))
	}
	return out
}

func nullableOffset(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// LoadAds retrieves every ad record ordered by tenant, placement and
// descending priority.
func (p *Postgres) LoadAds(ctx context.Context) ([]models.AdRecord, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+adColumns+` FROM ads ORDER BY tenant_id, placement, priority DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("query ads: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ads []models.AdRecord
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ad: %w", err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ads: %w", err)
	}
	return ads, nil
}

// GetAd loads a single record.
func (p *Postgres) GetAd(ctx context.Context, id string) (models.AdRecord, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+adColumns+` FROM ads WHERE id=$1`, id)
	ad, err := scanAd(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ad, models.ErrNotFound
	}
	if err != nil {
		return ad, fmt.Errorf("get ad %s: %w", id, err)
	}
	return ad, nil
}

// InsertAd stores a new record. An empty ID is assigned a UUID and an empty
// tenant defaults to the main tenant.
func (p *Postgres) InsertAd(ctx context.Context, ad *models.AdRecord) error {
	if ad.ID == "" {
		ad.ID = uuid.NewString()
	}
	if ad.TenantID == "" {
		ad.TenantID = models.MainTenant
	}
	now := time.Now().UTC()
	ad.CreatedAt, ad.UpdatedAt = now, now
	_, err := p.DB.ExecContext(ctx, `INSERT INTO ads (`+adColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ad.ID, ad.TenantID, string(ad.Placement), string(ad.Appearance), ad.CodeSnippet, ad.IsEnabled,
		ad.Priority, nullableOffset(ad.PositionOffset), pageTypeArray(ad.PageTypes), ad.CreatedAt, ad.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ad: %w", err)
	}
	return nil
}

// UpdateAd replaces the mutable fields of a record.
func (p *Postgres) UpdateAd(ctx context.Context, ad models.AdRecord) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE ads SET tenant_id=$2, placement=$3, appearance=$4, code_snippet=$5, is_enabled=$6, priority=$7, position_offset=$8, page_types=$9, updated_at=NOW() WHERE id=$1`,
		ad.ID, ad.TenantID, string(ad.Placement), string(ad.Appearance), ad.CodeSnippet, ad.IsEnabled,
		ad.Priority, nullableOffset(ad.PositionOffset), pageTypeArray(ad.PageTypes))
	if err != nil {
		return fmt.Errorf("update ad: %w", err)
	}
	return affected(res)
}

// SetAdEnabled toggles a record without touching its other fields.
func (p *Postgres) SetAdEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE ads SET is_enabled=$2, updated_at=NOW() WHERE id=$1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set ad enabled: %w", err)
	}
	return affected(res)
}

// DeleteAd removes a record.
func (p *Postgres) DeleteAd(ctx context.Context, id string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM ads WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete ad: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
