// Single-pass IPFS -> CDN migration job for files named N.json / N.png
// (no padding). For each n in [start, end]:
//   - skip if the key already exists on the CDN (optional pre-scan)
//   - GET n.{ext} from the gateways, staging to a temp dir
//   - on 200, PUT to the storage zone, then delete the local copy (optional)
//   - on 404/timeout, count a miss
//
// Stops after --max-missing consecutive misses.
//
// Configuration is via environment variables with flag overrides:
//
//	IPFS_CID, IPFS_GATEWAYS, BUNNY_STORAGE_ZONE, BUNNY_ACCESS_KEY,
//	BUNNY_REGION_HOST, BUNNY_PUBLIC_HOST, PG_DSN, PG_SCHEMA, METRICS_ADDR
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/joshuahamsa/ipfs-to-cdn/internal/bunny"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/config"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/ipfs"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/ledger"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/metrics"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/runlog"
	"github.com/joshuahamsa/ipfs-to-cdn/internal/transfer"
)

type jobConfig struct {
	cid      string
	gateways string
	ext      string

	startNumber int
	endNumber   int
	maxMissing  int
	resumeFrom  int

	downloadTimeout int
	maxRetries      int
	retryDelay      int
	uploadTimeout   int

	destPath     string
	deleteLocal  bool
	skipCDNCheck bool
	dryRun       bool

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

	flag.StringVar(&cfg.cid, "cid", config.EnvString("IPFS_CID", ""), "IPFS content id of the source directory. Env: IPFS_CID")
	flag.StringVar(&cfg.gateways, "gateways", config.EnvString("IPFS_GATEWAYS", strings.Join(ipfs.DefaultGateways, ",")), "Comma-separated IPFS gateways to try in order. Env: IPFS_GATEWAYS")
	flag.StringVar(&cfg.ext, "ext", config.EnvString("SOURCE_EXT", "json"), "Source file extension (json|png). Env: SOURCE_EXT")

	flag.IntVar(&cfg.startNumber, "start-number", config.EnvInt("START_NUMBER", 1), "First candidate id. Env: START_NUMBER")
	flag.IntVar(&cfg.endNumber, "end-number", config.EnvInt("END_NUMBER", 10000), "Last candidate id. Env: END_NUMBER")
	flag.IntVar(&cfg.maxMissing, "max-missing", config.EnvInt("MAX_MISSING", 75), "Stop after this many consecutive misses. Env: MAX_MISSING")
	flag.IntVar(&cfg.resumeFrom, "resume-from", 0, "Resume from this id (overrides --start-number)")

	flag.IntVar(&cfg.downloadTimeout, "download-timeout", config.EnvInt("DOWNLOAD_TIMEOUT", 180), "Per-request gateway timeout, seconds. Env: DOWNLOAD_TIMEOUT")
	flag.IntVar(&cfg.maxRetries, "max-retries", config.EnvInt("MAX_RETRIES", 3), "Attempts per file across all gateways. Env: MAX_RETRIES")
	flag.IntVar(&cfg.retryDelay, "retry-delay", config.EnvInt("RETRY_DELAY", 5), "Base delay between attempts, seconds. Env: RETRY_DELAY")
	flag.IntVar(&cfg.uploadTimeout, "upload-timeout", config.EnvInt("UPLOAD_TIMEOUT", 180), "Storage PUT timeout, seconds. Env: UPLOAD_TIMEOUT")

	flag.StringVar(&cfg.destPath, "dest-path", config.EnvString("DEST_PATH", ""), "Destination key prefix on the CDN. Env: DEST_PATH")
	flag.BoolVar(&cfg.deleteLocal, "delete-local", config.EnvBool("DELETE_LOCAL", true), "Delete staged files after successful upload. Env: DELETE_LOCAL")
	flag.BoolVar(&cfg.skipCDNCheck, "skip-cdn-check", config.EnvBool("SKIP_CDN_CHECK", false), "Skip the destination existence pre-scan. Env: SKIP_CDN_CHECK")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Show what would be scanned without uploading")

	flag.StringVar(&cfg.logFile, "log-file", config.EnvString("LOG_FILE", ""), "Also append logs to this file. Env: LOG_FILE")
	flag.BoolVar(&cfg.jsonLogs, "json-logs", config.EnvBool("JSON_LOGS", false), "Emit JSON-encoded logs. Env: JSON_LOGS")
	flag.StringVar(&cfg.metricsAddr, "metrics", config.EnvString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address. Env: METRICS_ADDR")

	flag.StringVar(&cfg.bunny.StorageZone, "storage-zone", cfg.bunny.StorageZone, "Bunny storage zone. Env: BUNNY_STORAGE_ZONE")
	flag.StringVar(&cfg.bunny.AccessKey, "access-key", cfg.bunny.AccessKey, "Bunny access key. Env: BUNNY_ACCESS_KEY")
	flag.StringVar(&cfg.bunny.RegionHost, "region-host", cfg.bunny.RegionHost, "Bunny region host, e.g. la.storage.bunnycdn.com. Env: BUNNY_REGION_HOST")
	flag.StringVar(&cfg.bunny.PublicHost, "public-host", cfg.bunny.PublicHost, "Public pull-zone host for existence checks. Env: BUNNY_PUBLIC_HOST")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", config.EnvString("PG_DSN", ""), "Postgres DSN for the optional outcome ledger. Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", config.EnvString("PG_SCHEMA", "public"), "Ledger schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", config.EnvInt("PG_MAX_CONNS", 2), "Ledger max connections. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", config.EnvBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling. Env: PG_VIA_BOUNCER")

	flag.Parse()

	cfg.ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.ext)), ".")
	cfg.destPath = config.NormalizePrefix(cfg.destPath)
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}
	return cfg
}

// cdnSink adapts the storage client to the transfer loop.
type cdnSink struct {
	client *bunny.Client
	prefix string
	ext    string
}

func (s cdnSink) Exists(ctx context.Context, id int) bool {
	return s.client.Exists(ctx, bunny.Key(s.prefix, id, s.ext))
}

func (s cdnSink) Put(ctx context.Context, id int, it transfer.Item) error {
	key := bunny.Key(s.prefix, id, s.ext)
	if it.Path != "" {
		return s.client.PutFile(ctx, key, it.Path)
	}
	return s.client.PutBytes(ctx, key, "application/octet-stream", it.Data)
}

func main() {
	cfg := parseFlags()

	if !cfg.bunny.Valid() {
		fmt.Fprintln(os.Stderr, "ERROR: Bunny credentials missing. Set --storage-zone/--access-key or env vars BUNNY_STORAGE_ZONE/BUNNY_ACCESS_KEY.")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.cid) == "" {
		fmt.Fprintln(os.Stderr, "ERROR: source CID missing. Set --cid or env var IPFS_CID.")
		os.Exit(1)
	}

	log, flush, err := runlog.New(cfg.logFile, cfg.jsonLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: logger init:", err)
		os.Exit(1)
	}
	defer flush()

	start := cfg.startNumber
	if cfg.resumeFrom > 0 {
		log.Infow("resuming", "from", cfg.resumeFrom, "original_start", cfg.startNumber)
		start = cfg.resumeFrom
	}

	gateways := splitGateways(cfg.gateways)
	log.Infow("starting IPFS to CDN migration",
		"cid", cfg.cid, "ext", cfg.ext, "range", fmt.Sprintf("%d-%d", start, cfg.endNumber),
		"gateways", gateways, "max_missing", cfg.maxMissing, "dest", cfg.destPath)

	if cfg.dryRun {
		fmt.Printf("DRY RUN: would scan %s/ipfs/%s/N.%s for N in [%d,%d], uploading to %s/%sN.%s\n",
			gateways[0], cfg.cid, cfg.ext, start, cfg.endNumber,
			cfg.bunny.StorageZone, cfg.destPath, cfg.ext)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	m.Serve(cfg.metricsAddr, log)

	tempdir, err := os.MkdirTemp("", "ipfs_dl_")
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: temp dir:", err)
		os.Exit(1)
	}

	client := bunny.New(cfg.bunny, time.Duration(cfg.uploadTimeout)*time.Second, log)
	fetcher := ipfs.New(gateways, cfg.cid,
		time.Duration(cfg.downloadTimeout)*time.Second,
		cfg.maxRetries,
		time.Duration(cfg.retryDelay)*time.Second, log)

	sink := cdnSink{client: client, prefix: cfg.destPath, ext: cfg.ext}

	existing := map[int]struct{}{}
	if !cfg.skipCDNCheck {
		existing = client.ScanExisting(ctx, cfg.destPath, cfg.ext, start, cfg.endNumber, bunny.ScanOptions{})
	}

	led, err := ledger.Open(ctx, ledger.Options{
		DSN: cfg.pgDSN, Schema: cfg.pgSchema, MaxConns: cfg.pgMaxConns,
		ViaBouncer: cfg.pgViaBouncer, Job: "ipfs-to-cdn",
	}, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
	defer led.Close()

	streak := 0
	runner := transfer.Runner{
		Source:      &ipfs.Source{Fetcher: fetcher, Ext: cfg.ext, Dir: tempdir},
		Sink:        sink,
		Start:       start,
		End:         cfg.endNumber,
		MaxMissing:  cfg.maxMissing,
		Existing:    existing,
		DeleteLocal: cfg.deleteLocal,
		Log:         log,
		OnResult: func(res transfer.Result) {
			switch res.Outcome {
			case transfer.OutcomeUploaded:
				m.Uploads.Inc()
				streak = 0
			case transfer.OutcomeUploadFailed:
				m.UploadErrors.Inc()
				streak = 0
			case transfer.OutcomeMissing:
				m.Misses.Inc()
				streak++
			case transfer.OutcomeSkipped:
				m.Skips.Inc()
			}
			if res.Status != 0 {
				m.Requests.WithLabelValues(fmt.Sprintf("%d", res.Status)).Inc()
			}
			m.MissStreak.Set(float64(streak))
		},
	}

	began := time.Now()
	sum := runner.Run(ctx)
	led.RecordBatch(context.Background(), sum.Results)

	reportSummary(log, cfg, sum, time.Since(began))

	// Temp files are kept whenever anything failed or the run was cut
	// short, so partial work stays inspectable.
	if sum.UploadFailed == 0 && !sum.Interrupted && cfg.deleteLocal {
		os.RemoveAll(tempdir)
		log.Infow("local temp files deleted")
	} else {
		log.Infow("local files kept", "dir", tempdir)
	}
}

func reportSummary(log *zap.SugaredLogger, cfg jobConfig, sum transfer.Summary, dur time.Duration) {
	fmt.Printf("ipfs-to-cdn: found=%d uploaded=%d skipped=%d missing=%d upload_errors=%d stopped_at=%d interrupted=%t duration=%.2fs\n",
		sum.Found, sum.Uploaded, sum.Skipped, sum.Missing, sum.UploadFailed, sum.StoppedAt, sum.Interrupted, dur.Seconds())

	if sum.StoppedAt > 0 {
		log.Warnw("scan stopped early: consecutive-miss threshold reached", "id", sum.StoppedAt, "max_missing", cfg.maxMissing)
	}
	if len(sum.Errors) > 0 {
		log.Infow("first errors", "count", len(sum.Errors))
		for _, e := range sum.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}

func splitGateways(s string) []string {
	var out []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		out = ipfs.DefaultGateways
	}
	return out
}
