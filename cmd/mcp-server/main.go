package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/snippet"
)

type ListAdsInput struct {
	TenantID  string `json:"tenant_id,omitempty" jsonschema:"tenant to list, all tenants when empty"`
	Placement string `json:"placement,omitempty" jsonschema:"restrict to one placement such as SIDEBAR"`
}

type AdSummary struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	Placement  string   `json:"placement"`
	Appearance string   `json:"appearance"`
	AdType     string   `json:"ad_type"`
	Enabled    bool     `json:"enabled"`
	Priority   int      `json:"priority"`
	PageTypes  []string `json:"page_types,omitempty"`
}

type ListAdsOutput struct {
	Ads []AdSummary `json:"ads"`
}

type SetAdEnabledInput struct {
	ID      string `json:"id" jsonschema:"ad record id"`
	Enabled bool   `json:"enabled" jsonschema:"whether the ad should render"`
}

type SetAdEnabledOutput struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Message string `json:"message"`
}

type AdStatsInput struct {
	TenantID string `json:"tenant_id" jsonschema:"tenant to report on"`
	Hours    int    `json:"hours,omitempty" jsonschema:"look-back window in hours, default 24"`
}

type AdStatsOutput struct {
	Counts []analytics.AdEventCount `json:"counts"`
}

// adStore is the Postgres surface the tools need.
type adStore interface {
	LoadAds(ctx context.Context) ([]models.AdRecord, error)
	SetAdEnabled(ctx context.Context, id string, enabled bool) error
}

type updatePublisher interface {
	PublishAdUpdate(ctx context.Context, u db.AdUpdate) error
}

type eventReporter interface {
	CountsByTenant(ctx context.Context, tenantID string, since time.Time) ([]analytics.AdEventCount, error)
}

// AdminServer holds the tool dependencies. Updates and reports are optional.
type AdminServer struct {
	ads     adStore
	updates updatePublisher
	reports eventReporter
	logger  *zap.Logger
}

// ListAds implements the list_ads tool.
func (s *AdminServer) ListAds(ctx context.Context, req *mcp.CallToolRequest, input ListAdsInput) (*mcp.CallToolResult, ListAdsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var placement models.Placement
	if input.Placement != "" {
		placement = models.Placement(strings.ToUpper(input.Placement))
		if !placement.Valid() {
			return nil, ListAdsOutput{}, fmt.Errorf("unknown placement %q", input.Placement)
		}
	}
	tenantID := strings.ToLower(input.TenantID)

	records, err := s.ads.LoadAds(ctx)
	if err != nil {
		return nil, ListAdsOutput{}, fmt.Errorf("failed to load ads: %w", err)
	}

	ads := []AdSummary{}
	for _, ad := range records {
		if tenantID != "" && ad.TenantID != tenantID {
			continue
		}
		if placement != "" && ad.Placement != placement {
			continue
		}
		sum := AdSummary{
			ID:         ad.ID,
			TenantID:   ad.TenantID,
			Placement:  string(ad.Placement),
			Appearance: string(ad.Appearance),
			AdType:     string(snippet.Detect(ad.CodeSnippet)),
			Enabled:    ad.IsEnabled,
			Priority:   ad.Priority,
		}
		for _, pt := range ad.PageTypes {
			sum.PageTypes = append(sum.PageTypes, string(pt))
		}
		ads = append(ads, sum)
	}
	sort.SliceStable(ads, func(i, j int) bool {
		if ads[i].TenantID != ads[j].TenantID {
			return ads[i].TenantID < ads[j].TenantID
		}
		return ads[i].Priority > ads[j].Priority
	})

	s.logger.Info("Listed ads", zap.String("tenant", tenantID), zap.Int("count", len(ads)))
	return nil, ListAdsOutput{Ads: ads}, nil
}

// SetAdEnabled implements the set_ad_enabled tool.
func (s *AdminServer) SetAdEnabled(ctx context.Context, req *mcp.CallToolRequest, input SetAdEnabledInput) (*mcp.CallToolResult, SetAdEnabledOutput, error) {
	if input.ID == "" {
		return nil, SetAdEnabledOutput{}, fmt.Errorf("id is required")
	}
	if err := s.ads.SetAdEnabled(ctx, input.ID, input.Enabled); err != nil {
		return nil, SetAdEnabledOutput{}, fmt.Errorf("failed to update ad %s: %w", input.ID, err)
	}

	// running services pick the change up from the update channel
	if s.updates != nil {
		if err := s.updates.PublishAdUpdate(ctx, db.AdUpdate{Op: db.OpUpdate, AdID: input.ID}); err != nil {
			s.logger.Warn("Failed to publish ad update", zap.String("ad_id", input.ID), zap.Error(err))
		}
	}

	state := "disabled"
	if input.Enabled {
		state = "enabled"
	}
	return nil, SetAdEnabledOutput{
		ID:      input.ID,
		Enabled: input.Enabled,
		Message: fmt.Sprintf("Ad %s %s", input.ID, state),
	}, nil
}

// AdStats implements the ad_stats tool.
func (s *AdminServer) AdStats(ctx context.Context, req *mcp.CallToolRequest, input AdStatsInput) (*mcp.CallToolResult, AdStatsOutput, error) {
	if s.reports == nil {
		return nil, AdStatsOutput{}, analytics.ErrUnavailable
	}
	hours := input.Hours
	if hours <= 0 {
		hours = 24
	}
	tenantID := strings.ToLower(input.TenantID)
	if tenantID == "" {
		tenantID = models.MainTenant
	}
	counts, err := s.reports.CountsByTenant(ctx, tenantID, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, AdStatsOutput{}, fmt.Errorf("failed to load ad stats: %w", err)
	}
	if counts == nil {
		counts = []analytics.AdEventCount{}
	}
	return nil, AdStatsOutput{Counts: counts}, nil
}

func newMCPServer(s *AdminServer) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "tenantads",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_ads",
		Description: "List configured ad records, optionally for one tenant and placement",
	}, s.ListAds)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_ad_enabled",
		Description: "Enable or disable an ad record",
	}, s.SetAdEnabled)
	if s.reports != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "ad_stats",
			Description: "Count ad lifecycle events for a tenant",
		}, s.AdStats)
	}
	return server
}

func main() {
	_ = godotenv.Load()

	// Initialize logger for MCP server - use stderr to avoid stdio conflicts
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("tenantads-mcp").With(zap.String("service", "tenantads-mcp"))

	cfg := config.Load()
	if os.Getenv("POSTGRES_DSN") == "" {
		logger.Fatal("POSTGRES_DSN environment variable is required")
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, 10, 5, 30*time.Minute, time.Minute)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()

	admin := &AdminServer{ads: pg, logger: logger}

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Warn("Redis unavailable, updates will not be broadcast", zap.Error(err))
	} else {
		defer store.Close()
		admin.updates = store
	}

	if cfg.ClickHouseDSN != "" {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("ClickHouse unavailable, ad_stats disabled", zap.Error(err))
		} else {
			defer ch.Close()
			admin.reports = ch
		}
	}

	server := newMCPServer(admin)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP Server running via stdio")
	if err := server.Run(context.Background(), transport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
