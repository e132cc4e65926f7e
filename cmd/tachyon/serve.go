package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"tachyon/config"
	"tachyon/internal/core"
	"tachyon/internal/immune"
	inputredis "tachyon/internal/input/redis"
	"tachyon/internal/logger"
	"tachyon/internal/metrics"
	"tachyon/internal/output/packetclickhouse"
	"tachyon/internal/output/packethttp"
	"tachyon/internal/output/packetjson"
	"tachyon/internal/output/quarantineredis"
	"tachyon/internal/pipeline"
	"tachyon/internal/queue"
	"tachyon/internal/rules"
)

func runServe(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	t := cfg.Tachyon

	if err := logger.Init(t.Logging.Enabled, t.Logging.Level, t.Logging.File, t.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Infof("Tachyon starting")
	logger.Infof("Config loaded from: %s", configPath)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	opts := []queue.Option{queue.WithMetrics(reg, "ingest")}
	if t.Queue.MaxDepth > 0 {
		opts = append(opts, queue.WithMaxDepth(t.Queue.MaxDepth))
	}
	q, err := queue.New(t.Queue.CapacityHint, opts...)
	if err != nil {
		log.Fatalf("Failed to create packet queue: %v", err)
	}

	engine := rules.NewRCUEngine()
	c := core.New(q, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloader, closeRules := buildReloader(t.Rules, engine)
	defer closeRules()
	reloader.OnSwap(func(s *rules.Snapshot) {
		metrics.RulesetGeneration.Set(float64(s.Generation()))
		metrics.RulesetSubjects.Set(float64(s.Len()))
	})
	if _, err := reloader.Reload(ctx); err != nil {
		logger.Errorf("Initial ruleset load failed: %v", err)
		log.Fatalf("Initial ruleset load failed: %v", err)
	}
	logger.Infof("Ruleset loaded: generation=%d subjects=%d", c.Ruleset().Generation(), c.Ruleset().Len())
	if c.Ruleset().Len() == 0 {
		logger.Warnf("Ruleset is empty; every envelope will be quarantined")
	}

	var tagger rules.Tagger
	if t.Sigma.Enabled {
		if strings.TrimSpace(t.Sigma.Path) == "" {
			logger.Warnf("Sigma enabled but sigma.path is empty; packet tagging disabled")
		} else {
			sigmaTagger, stats, err := rules.NewSigmaTagger(t.Sigma.Path)
			if err != nil {
				logger.Errorf("Failed to load Sigma rules from %s: %v", t.Sigma.Path, err)
				log.Fatalf("Failed to load Sigma rules: %v", err)
			}
			tagger = sigmaTagger
			logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
				stats.Loaded,
				stats.SkippedComplex,
				stats.SkippedDatasource,
				stats.SkippedInvalid,
				stats.TotalFiles,
			)
			if stats.Loaded == 0 {
				logger.Warnf("No compatible Sigma rules loaded; packet tagging is effectively disabled")
			}
		}
	}

	gate, err := buildGate(t.Intake)
	if err != nil {
		logger.Errorf("Failed to build intake checks: %v", err)
		log.Fatalf("Failed to build intake checks: %v", err)
	}

	writer := buildPacketWriter(t.Output)

	var quarantine pipeline.QuarantineWriter
	if t.Quarantine.Enabled {
		w, err := quarantineredis.NewWriter(quarantineredis.Config{
			Addr:     t.Quarantine.Redis.Addr,
			Password: t.Quarantine.Redis.Password,
			DB:       t.Quarantine.Redis.DB,
			Key:      t.Quarantine.Redis.Key,
			MaxLen:   t.Quarantine.Redis.MaxLen,
		})
		if err != nil {
			logger.Errorf("Failed to create quarantine writer: %v", err)
			log.Fatalf("Failed to create quarantine writer: %v", err)
		}
		quarantine = w
		logger.Infof("Quarantine: redis list %s (max_len=%d)", t.Quarantine.Redis.Key, t.Quarantine.Redis.MaxLen)
	}

	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         t.Input.Redis.Addr,
		Password:     t.Input.Redis.Password,
		DB:           t.Input.Redis.DB,
		Key:          t.Input.Redis.Key,
		BlockTimeout: t.Input.Redis.BlockTimeout,
	})
	if err != nil {
		logger.Errorf("Failed to create Redis consumer: %v", err)
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}

	pipe := pipeline.NewIngestPipeline(consumer, c, tagger, writer, quarantine, pipeline.Config{
		Workers:         t.Pipeline.Workers,
		ReadBatch:       t.Pipeline.ReadBatch,
		DrainInterval:   t.Pipeline.DrainInterval,
		DrainBatch:      t.Pipeline.DrainBatch,
		MaxPayloadBytes: t.Pipeline.MaxPayloadBytes,
		SubjectPrefix:   t.Pipeline.SubjectPrefix,
		Gate:            gate,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if t.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv := &http.Server{Addr: t.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Infof("Metrics listening on %s", t.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return ignoreCanceled(reloader.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(pipe.Run(gctx))
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Tachyon stopped with error: %v", err)
	} else {
		logger.Infof("Shutting down")
	}

	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}

	stats := c.QueueStats()
	logger.Infof("Tachyon stopped: submitted=%d drained=%d rejected=%d depth=%d",
		stats.Submitted, stats.Drained, stats.Rejected, stats.Depth)
}

// buildReloader assembles the configured ruleset sources. The returned func
// closes any connections the sources hold.
func buildReloader(rc config.RulesConfig, engine *rules.RCUEngine) (*rules.Reloader, func()) {
	var sources []rules.Source
	closeFn := func() {}

	if len(rc.InitialSubjects) > 0 {
		sources = append(sources, rules.StaticSource(rc.InitialSubjects))
	}
	if strings.TrimSpace(rc.Path) != "" {
		sources = append(sources, &rules.FileSource{Path: rc.Path})
	}
	if strings.TrimSpace(rc.Redis.Addr) != "" {
		src, err := rules.NewRedisSource(rules.RedisConfig{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
			Key:      rc.Redis.Key,
		})
		if err != nil {
			logger.Errorf("Failed to connect ruleset source: %v", err)
			log.Fatalf("Failed to connect ruleset source: %v", err)
		}
		sources = append(sources, src)
		closeFn = func() { _ = src.Close() }
	}

	for _, src := range sources {
		logger.Infof("Ruleset source: %s", src.Name())
	}
	return rules.NewReloader(engine, rc.ReloadInterval, sources...), closeFn
}

// buildGate assembles the intake checks. The policy file is read once at
// startup.
func buildGate(ic config.IntakeConfig) (*immune.Gate, error) {
	var policy *immune.Policy
	if strings.TrimSpace(ic.PolicyPath) != "" {
		p, err := immune.LoadPolicy(ic.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	gate, err := immune.NewGate(immune.Config{
		Schema:           ic.Schema.Enabled,
		SchemaPath:       ic.Schema.Path,
		Canonicalize:     ic.Canonicalize,
		RequireSignature: ic.Signature.Required,
		Digest:           ic.Signature.Digest,
		Policy:           policy,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Intake checks: schema=%t canonicalize=%t signature=%t digest=%s policy=%q",
		ic.Schema.Enabled, ic.Canonicalize || ic.Signature.Required, ic.Signature.Required, ic.Signature.Digest, ic.PolicyPath)
	return gate, nil
}

func buildPacketWriter(oc config.OutputConfig) pipeline.PacketWriter {
	switch oc.Mode {
	case "file":
		w, err := packetjson.NewWriter(oc.File.Path)
		if err != nil {
			logger.Errorf("Failed to create packet file writer: %v", err)
			log.Fatalf("Failed to create packet file writer: %v", err)
		}
		logger.Infof("Output mode: file (%s)", oc.File.Path)
		return w
	case "clickhouse":
		w, err := packetclickhouse.NewWriter(packetclickhouse.Config{
			URL:      oc.ClickHouse.URL,
			Database: oc.ClickHouse.Database,
			Table:    oc.ClickHouse.Table,
			Username: oc.ClickHouse.Username,
			Password: oc.ClickHouse.Password,
			Timeout:  oc.ClickHouse.Timeout,
			Headers:  oc.ClickHouse.Headers,

			CreateTable: oc.ClickHouse.CreateTable,
		})
		if err != nil {
			logger.Errorf("Failed to create packet ClickHouse writer: %v", err)
			log.Fatalf("Failed to create packet ClickHouse writer: %v", err)
		}
		logger.Infof("Output mode: clickhouse (%s/%s.%s)", oc.ClickHouse.URL, oc.ClickHouse.Database, oc.ClickHouse.Table)
		return w
	case "http":
		w, err := packethttp.NewWriter(packethttp.Config{
			URL:      oc.HTTP.URL,
			Timeout:  oc.HTTP.Timeout,
			Headers:  oc.HTTP.Headers,
			MaxBatch: oc.HTTP.MaxBatch,
		})
		if err != nil {
			logger.Errorf("Failed to create packet HTTP writer: %v", err)
			log.Fatalf("Failed to create packet HTTP writer: %v", err)
		}
		logger.Infof("Output mode: http (%s)", oc.HTTP.URL)
		return w
	default:
		log.Fatalf("Unknown output mode: %s", oc.Mode)
		return nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
