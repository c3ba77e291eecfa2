// Convert cached CSV NFT trait data to JSON metadata files and upload
// them to the CDN storage zone. Metadata documents are synthesized in
// memory and streamed straight to the CDN; nothing is written locally.
//
// Rows are processed by a fixed-size worker pool — there is no ordering
// dependency between rows, so completion order is unconstrained.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joshuahamsa/ipfs-to-cdn/internal/bunny"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/config"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/ledger"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/metadata"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/metrics"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/runlog"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/transfer"
)

type jobConfig struct {
	csvFile     string
	destPath    string
	concurrency int
	timeout     int

	startRow int
	maxRows  int
	dryRun   bool

	logFile     string
	jsonLogs    bool
	metricsAddr string

	bunny config.Bunny

	pgDSN        string
	pgSchema     string
	pgMaxConns   int
	pgViaBouncer bool
}

func parseFlags() jobConfig {
	var cfg jobConfig
	cfg.bunny = config.BunnyFromEnv()

	flag.StringVar(&cfg.csvFile, "csv-file", config.EnvString("CSV_FILE", "Hogs.csv"), "Path to the CSV trait table. Env: CSV_FILE")
	flag.StringVar(&cfg.destPath, "dest-path", config.EnvString("DEST_PATH", "hog_jsons/"), "Destination key prefix on the CDN. Env: DEST_PATH")
	flag.IntVar(&cfg.concurrency, "concurrency", config.EnvInt("CONCURRENCY", 8), "Concurrent upload workers. Env: CONCURRENCY")
	flag.IntVar(&cfg.timeout, "timeout", config.EnvInt("UPLOAD_TIMEOUT", 180), "Upload timeout, seconds. Env: UPLOAD_TIMEOUT")

	flag.IntVar(&cfg.startRow, "start-row", 0, "Start processing from this row (0-based)")
	flag.IntVar(&cfg.maxRows, "max-rows", 0, "Maximum number of rows to process (0 = all)")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Show what would be processed without uploading")

	flag.StringVar(&cfg.logFile, "log-file", config.EnvString("LOG_FILE", ""), "Also append logs to this file. Env: LOG_FILE")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", config.EnvBool("JSON_LOGS", false), "Emit JSON-encoded logs. Env: JSON_LOGS")
	flag.StringVar(&cfg.metricsAddr, "metrics", config.EnvString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address. Env: METRICS_ADDR")

	flag.StringVar(&cfg.bunny.StorageZone, "storage-zone", cfg.bunny.StorageZone, "Bunny storage zone. Env: BUNNY_STORAGE_ZONE")
	flag.StringVar(&cfg.bunny.AccessKey, "access-key", cfg.bunny.AccessKey, "Bunny access key. Env: BUNNY_ACCESS_KEY")
	flag.StringVar(&cfg.bunny.RegionHost, "region-host", cfg.bunny.RegionHost, "Bunny region host (optional). Env: BUNNY_REGION_HOST")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", config.EnvString("PG_DSN", ""), "Postgres DSN for the optional outcome ledger. Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", config.EnvString("PG_SCHEMA", "public"), "Ledger schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", config.EnvInt("PG_MAX_CONNS", 2), "Ledger max connections. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", config.EnvBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling. Env: PG_VIA_BOUNCER")

	flag.Parse()

	cfg.destPath = config.NormalizePrefix(cfg.destPath)
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	return cfg
}

func main() {
	cfg := parseFlags()

	if !cfg.bunny.Valid() {
		fmt.Fprintln(os.Stderr, "ERROR: Bunny credentials missing. Set --storage-zone/--access-key or env vars BUNNY_STORAGE_ZONE/BUNNY_ACCESS_KEY.")
		os.Exit(1)
	}

	log, flush, err := runlog.New(cfg.logFile, cfg.jsonLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: logger init:", err)
		os.Exit(1)
	}
	defer flush()

	rows, err := metadata.ReadRecords(cfg.csvFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to read CSV file %s: %v\n", cfg.csvFile, err)
		os.Exit(1)
	}
	log.Infow("loaded trait table", "file", cfg.csvFile, "rows", len(rows))

	startIdx := cfg.startRow
	if startIdx < 0 {
		startIdx = 0
	}
	if startIdx > len(rows) {
		startIdx = len(rows)
	}
	endIdx := len(rows)
	if cfg.maxRows > 0 && startIdx+cfg.maxRows < endIdx {
		endIdx = startIdx + cfg.maxRows
	}
	window := rows[startIdx:endIdx]
	log.Infow("processing rows", "from", startIdx, "to", endIdx-1, "count", len(window))

	if len(window) == 0 {
		fmt.Println("No rows to process.")
		return
	}

	if cfg.dryRun {
		fmt.Println("DRY RUN MODE - no files will be uploaded")
		for i, rec := range window {
			if i == 3 {
				break
			}
			id := metadata.EditionID(rec["Name"])
			fmt.Printf("row %d: %s -> %s%s.json\n", startIdx+i, rec["Name"], cfg.destPath, id)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	m.Serve(cfg.metricsAddr, log)

	led, err := ledger.Open(ctx, ledger.Options{
		DSN: cfg.pgDSN, Schema: cfg.pgSchema, MaxConns: cfg.pgMaxConns,
		ViaBouncer: cfg.pgViaBouncer, Job: "csv-to-cdn",
	}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
	defer led.Close()

	client := bunny.New(cfg.bunny, time.Duration(cfg.timeout)*time.Second, log)

	log.Infow("starting upload", "count", len(window), "workers", cfg.concurrency)
	began := time.Now()

	sum := transfer.RunPool(ctx, cfg.concurrency, len(window), log, func(ctx context.Context, i int) (string, error) {
		rec := window[i]
		name := strings.TrimSpace(rec["Name"])
		id := metadata.EditionID(rec["Name"])
		ident := fmt.Sprintf("%s (row %d)", name, startIdx+i)

		// A row with no fields at all is malformed; a row with a blank or
		// #-less Name still uploads under the "unknown" marker.
		if len(rec) == 0 {
			led.RecordRow(ctx, ident, transfer.OutcomeUploadFailed, "malformed record: no fields")
			return ident, errors.New("malformed record: no fields")
		}

		doc := metadata.Build(rec)
		payload, err := doc.Marshal()
		if err != nil {
			led.RecordRow(ctx, id, transfer.OutcomeUploadFailed, err.Error())
			return ident, err
		}

		key := cfg.destPath + id + ".json"
		m.Inflight.Inc()
		err = client.PutBytes(ctx, key, "application/json", payload)
		m.Inflight.Dec()
		if err != nil {
			m.UploadErrors.Inc()
			led.RecordRow(ctx, id, transfer.OutcomeUploadFailed, err.Error())
			return ident, err
		}
		m.Uploads.Inc()
		led.RecordRow(ctx, id, transfer.OutcomeUploaded, "")
		return ident, nil
	})

	dur := time.Since(began).Seconds()
	fmt.Printf("csv-to-cdn: rows=%d uploaded=%d errors=%d workers=%d duration=%.2fs\n",
		len(window), sum.Succeeded, sum.Failed, cfg.concurrency, dur)

	if len(sum.Errors) > 0 {
		fmt.Printf("first %d errors:\n", len(sum.Errors))
		for _, e := range sum.Errors {
			fmt.Printf("  - %s\n", e)
		}
		if sum.Failed > len(sum.Errors) {
			fmt.Printf("  ... and %d more errors\n", sum.Failed-len(sum.Errors))
		}
	}
}
