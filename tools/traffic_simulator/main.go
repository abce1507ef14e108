package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/observability"
	"github.com/patrickwarner/tenantads/internal/tenant"
)

var (
	server     string
	tenantsCSV string
	totalReq   int
	conc       int
	duration   time.Duration
	reqRate    float64
	botRate    float64
	stats      bool
	flush      bool
	redisAddr  string
	debug      bool
	label      string
)

var logger *zap.Logger

var httpClient *http.Client

var (
	tenantIDs  []string
	userAgents = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
	}
	botAgents = []string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)",
	}
	timezones = []string{"America/New_York", "America/Los_Angeles", "Europe/Berlin", "Asia/Tokyo", ""}
	userIPs   = []string{"192.0.2.1", "198.51.100.1", "203.0.113.1"}
)

type page struct {
	path     string
	pageType string
	html     string
}

var pages = []page{
	{"/", "home", `<!DOCTYPE html><html><head><title>Home</title></head><body>
<section data-ad-placement-slot="HOME_HERO"></section>
<main><article><h2>First post</h2></article><div data-ad-placement-slot="BETWEEN_POSTS"></div><article><h2>Second post</h2></article></main>
<aside data-ad-placement-slot="SIDEBAR"></aside><footer data-ad-placement-slot="FOOTER"></footer></body></html>`},
	{"/blog/hello-world", "blog", `<!DOCTYPE html><html><head><title>Hello world</title></head><body>
<div data-ad-placement-slot="BEFORE_POST"></div>
<article data-ad-placement-slot="INLINE">` + strings.Repeat("<p>Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.</p>", 12) + `</article>
<div data-ad-placement-slot="AFTER_POST"></div><aside data-ad-placement-slot="SIDEBAR"></aside></body></html>`},
	{"/category/travel", "category", `<!DOCTYPE html><html><head><title>Travel</title></head><body>
<main><div data-ad-placement-slot="BETWEEN_POSTS"></div></main><footer data-ad-placement-slot="FOOTER"></footer></body></html>`},
}

const statsInterval = 5 * time.Second

var (
	countSent    uint64
	countSuccess uint64
	countEmpty   uint64
	countErrors  uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "ad service base URL")
	flag.StringVar(&tenantsCSV, "tenants", "main,acme,globex", "comma-separated tenant IDs")
	flag.IntVar(&totalReq, "requests", 1000, "total renders to request")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&reqRate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&botRate, "bot-rate", 0.05, "share of requests sent with a crawler user agent")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush cached ad scopes before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushScopeCache()
	}

	for _, t := range strings.Split(tenantsCSV, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenantIDs = append(tenantIDs, t)
		}
	}
	if len(tenantIDs) == 0 {
		tenantIDs = []string{"main"}
	}

	limit := rate.Inf
	if reqRate > 0 {
		limit = rate.Limit(reqRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	ctx := context.Background()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	done := make(chan struct{})
	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					return
				}
			}
		}()
	}

	var mu sync.Mutex
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	pick := func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		return r.Intn(n)
	}
	bot := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64() < botRate
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	for i := 0; totalReq <= 0 || i < totalReq; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ua := userAgents[pick(len(userAgents))]
			if bot() {
				ua = botAgents[pick(len(botAgents))]
			}
			sendRender(ctx,
				pages[pick(len(pages))],
				tenantIDs[pick(len(tenantIDs))],
				ua,
				timezones[pick(len(timezones))],
				userIPs[pick(len(userIPs))],
			)
		}()
	}
	wg.Wait()
	close(done)
	printStats()
}

func sendRender(ctx context.Context, p page, tenantID, ua, tz, ip string) {
	atomic.AddUint64(&countSent, 1)

	q := url.Values{}
	q.Set("path", p.path)
	q.Set("pageType", p.pageType)
	if tz != "" {
		q.Set("tz", tz)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "POST", strings.TrimRight(server, "/")+"/render?"+q.Encode(), strings.NewReader(p.html))
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "text/html")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set(tenant.Header, tenantID)

	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("render request error", zap.Error(err))
		return
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("read body error", zap.Error(err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(body))))
		return
	}
	if !strings.Contains(string(body), "data-ad-id") {
		atomic.AddUint64(&countEmpty, 1)
		logger.Debug("no ads rendered", zap.String("tenant", tenantID), zap.String("path", p.path))
		return
	}
	atomic.AddUint64(&countSuccess, 1)
	logger.Debug("render", zap.String("tenant", tenantID), zap.String("path", p.path), zap.String("tz", tz), zap.String("ip", ip))
}

// flushScopeCache drops cached ad scopes so the run starts cold.
func flushScopeCache() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	store, err := db.InitRedis(addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	keys, err := store.Client.Keys(store.Ctx, "adscope:*").Result()
	if err != nil {
		logger.Error("failed to get cached scopes", zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
			logger.Error("failed to delete cached scopes", zap.Error(err))
			return
		}
	}
	logger.Info("ad scope cache flushed", zap.String("addr", addr), zap.Int("keys_deleted", len(keys)))
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	succ := atomic.LoadUint64(&countSuccess)
	empty := atomic.LoadUint64(&countEmpty)
	errs := atomic.LoadUint64(&countErrors)
	var fill float64
	if sent > 0 {
		fill = float64(succ) / float64(sent)
	}
	logger.Info("stats", zap.String("run", label), zap.Uint64("sent", sent), zap.Uint64("with_ads", succ), zap.Uint64("empty", empty), zap.Uint64("errors", errs), zap.Float64("fill_rate", fill))
}
