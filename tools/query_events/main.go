package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/observability"
)

func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tenantID := flag.String("tenant", "main", "tenant ID")
	dsn := flag.String("dsn", "", "ClickHouse DSN (defaults to CLICKHOUSE_DSN)")
	since := flag.Duration("since", 24*time.Hour, "look-back window")
	format := flag.String("format", "table", "output format: table or json")
	flag.Parse()

	if *dsn == "" {
		*dsn = config.Load().ClickHouseDSN
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts, err := query(ctx, *dsn, *tenantID, *since)
	if err != nil {
		logger.Fatal("query ad events", zap.String("tenant", *tenantID), zap.Error(err))
	}
	if *format == "json" {
		err = writeJSON(os.Stdout, counts)
	} else {
		err = writeTable(os.Stdout, counts)
	}
	if err != nil {
		logger.Fatal("write output", zap.Error(err))
	}
}

func query(ctx context.Context, dsn, tenantID string, since time.Duration) ([]analytics.AdEventCount, error) {
	a, err := analytics.InitClickHouse(dsn)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	defer a.Close()
	return a.CountsByTenant(ctx, tenantID, time.Now().Add(-since))
}

func writeJSON(w io.Writer, counts []analytics.AdEventCount) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(counts)
}

// writeTable prints one row per ad with a column per event type.
func writeTable(w io.Writer, counts []analytics.AdEventCount) error {
	byAd := make(map[string]map[string]uint64)
	types := make(map[string]bool)
	for _, c := range counts {
		if byAd[c.AdID] == nil {
			byAd[c.AdID] = make(map[string]uint64)
		}
		byAd[c.AdID][c.EventType] += c.Count
		types[c.EventType] = true
	}
	cols := sortedKeys(types)
	ads := make([]string, 0, len(byAd))
	for id := range byAd {
		ads = append(ads, id)
	}
	sort.Strings(ads)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "AD")
	for _, c := range cols {
		fmt.Fprintf(tw, "\t%s", c)
	}
	fmt.Fprintln(tw)
	for _, id := range ads {
		fmt.Fprint(tw, id)
		for _, c := range cols {
			fmt.Fprintf(tw, "\t%d", byAd[id][c])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
