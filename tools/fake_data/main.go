package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

var (
	tenantsCSV = flag.String("tenants", "main,acme,globex", "comma-separated tenant ids to seed")
	perTenant  = flag.Int("ads", 6, "custom ads per tenant besides the demo set")
	seed       = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}

	existing, err := pg.LoadAds(ctx)
	if err != nil {
		logger.Fatal("load ads", zap.Error(err))
	}
	seeded := make(map[string]bool)
	for _, ad := range existing {
		seeded[ad.TenantID] = true
	}

	r := rand.New(rand.NewSource(*seed))
	inserted := 0
	for _, t := range strings.Split(*tenantsCSV, ",") {
		tenantID := strings.ToLower(strings.TrimSpace(t))
		if tenantID == "" || seeded[tenantID] {
			logger.Info("tenant already seeded", zap.String("tenant", tenantID))
			continue
		}
		ads := append(demoAds(tenantID, cfg.Ads), randomAds(r, tenantID, *perTenant)...)
		for i := range ads {
			if err := pg.InsertAd(ctx, &ads[i]); err != nil {
				logger.Fatal("insert ad", zap.String("tenant", tenantID), zap.Error(err))
			}
			inserted++
		}
		logger.Info("tenant seeded", zap.String("tenant", tenantID), zap.Int("ads", len(ads)))
	}
	fmt.Printf("inserted %d ads\n", inserted)

	if !*skipReload && inserted > 0 {
		if err := reloadServer(cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

// demoAds covers one ad of every technology plus a header tag.
func demoAds(tenantID string, ads config.AdConfig) []models.AdRecord {
	offset := 120
	return []models.AdRecord{
		{
			TenantID:    tenantID,
			Placement:   models.PlacementHeader,
			Appearance:  models.AppearanceFullWidth,
			CodeSnippet: fmt.Sprintf(`<meta name="google-adsense-account" content="%s">`, ads.AdSenseClientID),
			IsEnabled:   true,
			Priority:    10,
		},
		{
			TenantID:   tenantID,
			Placement:  models.PlacementSidebar,
			Appearance: models.AppearanceCentered,
			CodeSnippet: fmt.Sprintf(`<ins class="adsbygoogle" style="display:block" data-ad-client="%s" data-ad-slot="1234567890" data-ad-format="auto"></ins>
<script>(adsbygoogle = window.adsbygoogle || []).push({});</script>`, ads.AdSenseClientID),
			IsEnabled: true,
			Priority:  5,
		},
		{
			TenantID:   tenantID,
			Placement:  models.PlacementInline,
			Appearance: models.AppearanceFullWidth,
			CodeSnippet: fmt.Sprintf(`<div id="div-gpt-ad-%[1]s-inline" style="min-width:300px;min-height:250px"></div>
<script>googletag.cmd.push(function() { googletag.defineSlot('/%[2]s/%[1]s_inline', [300, 250], 'div-gpt-ad-%[1]s-inline').addService(googletag.pubads()); });</script>`, tenantID, ads.GAMNetworkCode),
			IsEnabled:      true,
			Priority:       5,
			PositionOffset: &offset,
			PageTypes:      []models.PageType{models.PageBlog},
		},
		{
			TenantID:   tenantID,
			Placement:  models.PlacementAfterPost,
			Appearance: models.AppearanceFullWidth,
			CodeSnippet: fmt.Sprintf(`<div id="div-gpt-ad-%[1]s-inline"></div>
<script>googletag.cmd.push(function() { googletag.display('div-gpt-ad-%[1]s-inline'); });</script>`, tenantID),
			IsEnabled: true,
			Priority:  1,
			PageTypes: []models.PageType{models.PageBlog},
		},
	}
}

var (
	brands    = []string{"FitLife Pro", "Nimbus Cloud", "Trailhead Outfitters", "Brightside Coffee", "Quill & Ink"}
	headlines = []string{"Holiday sale", "New season, new gear", "Try it free for 30 days", "Members save 20%", "Limited edition"}
	colors    = []string{"#f97316", "#0ea5e9", "#22c55e", "#a855f7", "#ef4444"}
	bodyPlace = []models.Placement{
		models.PlacementFooter, models.PlacementSidebar, models.PlacementHomeHero,
		models.PlacementBeforePost, models.PlacementAfterPost, models.PlacementBetweenList,
	}
	appearances = []models.Appearance{
		models.AppearanceFullWidth, models.AppearanceCentered,
		models.AppearanceLeftAligned, models.AppearanceRightAligned,
	}
)

func randomAds(r *rand.Rand, tenantID string, n int) []models.AdRecord {
	out := make([]models.AdRecord, 0, n)
	for i := 0; i < n; i++ {
		brand := brands[r.Intn(len(brands))]
		p := bodyPlace[r.Intn(len(bodyPlace))]
		ad := models.AdRecord{
			TenantID:   tenantID,
			Placement:  p,
			Appearance: appearances[r.Intn(len(appearances))],
			CodeSnippet: fmt.Sprintf(`<a class="promo" href="https://example.com/?utm_source=%s&utm_medium=%s" style="display:block;min-height:90px;background:%s">
  <strong>%s</strong> %s
</a>
<script>console.log('promo %s');</script>`,
				tenantID, strings.ToLower(string(p)), colors[r.Intn(len(colors))],
				brand, headlines[r.Intn(len(headlines))], strings.ToLower(strings.ReplaceAll(brand, " ", "-"))),
			IsEnabled: r.Float64() > 0.1,
			Priority:  r.Intn(10),
		}
		if p == models.PlacementHomeHero {
			ad.PageTypes = []models.PageType{models.PageHome}
		}
		out = append(out, ad)
	}
	return out
}

func reloadServer(cfg config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
