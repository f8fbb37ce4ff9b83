package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"countersign/internal/audit"
	auditmem "countersign/internal/audit/store/memory"
	auditpg "countersign/internal/audit/store/postgres"
	"countersign/internal/blob"
	"countersign/internal/compose"
	"countersign/internal/notify"
	"countersign/internal/otp"
	"countersign/internal/platform/config"
	"countersign/internal/platform/httpserver"
	"countersign/internal/platform/logger"
	"countersign/internal/platform/metrics"
	platformredis "countersign/internal/platform/redis"
	"countersign/internal/token"
	httptransport "countersign/internal/transport/http"
	"countersign/internal/workflow"
	wfmem "countersign/internal/workflow/store/memory"
	wfredis "countersign/internal/workflow/store/redis"
)

const shutdownTimeout = 10 * time.Second

// main wires the process: configuration, storage backends, the workflow
// engine, and the HTTP server. External backends (Redis, Postgres, S3,
// Kafka) are optional; unset configuration selects in-memory or log-based
// implementations so a bare binary is fully functional.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	healthChecks := make(map[string]httptransport.HealthCheck)

	var wfStore workflow.Store = wfmem.New()
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		wfStore = wfredis.New(redisClient.Client)
		healthChecks["redis"] = redisClient.Health
		log.Info("using redis workflow store")
	}

	var auditStore audit.Store = auditmem.New()
	var auditWorker *audit.Worker
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pgStore := auditpg.New(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("audit schema setup failed", "error", err)
			os.Exit(1)
		}
		// Appends go through a bounded queue so audit writes stay off the
		// request path; a worker drains it into Postgres.
		queue := audit.NewQueue(pgStore, 256)
		auditStore = queue
		auditWorker = audit.NewWorker(pgStore, queue.Inbox(), log)
		healthChecks["postgres"] = db.PingContext
		log.Info("using postgres audit store")
	}

	var blobs blob.Store = blob.NewMemoryStore()
	if cfg.S3Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			log.Error("s3 setup failed", "error", err)
			os.Exit(1)
		}
		blobs = s3Store
		log.Info("using s3 blob store", "bucket", cfg.S3Bucket)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("kafka setup failed", "error", err)
			os.Exit(1)
		}
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
		log.Info("using kafka notifier", "topic", cfg.KafkaTopic)
	}

	authority := otp.New(
		otp.WithTTL(cfg.OTPTTL),
		otp.WithResendInterval(cfg.ResendInterval),
	)
	links := token.NewLinkSigner(cfg.LinkSigningKey, cfg.LinkTTL)
	recorder := audit.NewRecorder(auditStore, log)
	compositor := compose.New()

	coord := workflow.NewCoordinator(wfStore, authority, compositor, blobs, recorder, m, log)
	svc := workflow.NewService(coord, wfStore, authority, blobs, notifier, links, recorder, m, log, cfg.BaseURL)

	handler := httptransport.NewWorkflowHandler(svc, log)
	router := httptransport.NewRouter(handler, log, prometheus.DefaultGatherer, healthChecks)
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	if auditWorker != nil {
		g.Go(func() error {
			if err := auditWorker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info("starting countersign server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
