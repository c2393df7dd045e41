package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
	"github.com/vulnzero/vulnzero/rollout-server/internal/engine"
	"github.com/vulnzero/vulnzero/rollout-server/internal/infrastructure/agent"
	"github.com/vulnzero/vulnzero/rollout-server/internal/infrastructure/goworkflows"
	"github.com/vulnzero/vulnzero/rollout-server/internal/infrastructure/kafka"
	"github.com/vulnzero/vulnzero/rollout-server/internal/infrastructure/logsink"
	"github.com/vulnzero/vulnzero/rollout-server/internal/infrastructure/sqlite"
	"github.com/vulnzero/vulnzero/rollout-server/internal/metrics"
)

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`
	NodeName    string `envconfig:"NODE_NAME,default=rollout-0"`

	DatabasePath         string `envconfig:"DATABASE_PATH,default=rollout.db"`
	WorkflowDatabasePath string `envconfig:"WORKFLOW_DATABASE_PATH,default=workflows.db"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS,optional"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC,default=deployment-events"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`

	ProbeAddr string `envconfig:"PROBE_ADDR,default=0.0.0.0:8080"`
}

func loggerLevelFromString(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	if err := envconfig.Init(&appCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	db, err := sqlite.Open(appCfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	var stats metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		stats = metrics.NewStatsd(appCfg.NodeName, appCfg.StatsdAddr)
	}

	var sink domain.EventSink = logsink.Sink{}
	if appCfg.KafkaBrokers != "" {
		kafkaSink := kafka.NewSink(strings.Split(appCfg.KafkaBrokers, ","), appCfg.KafkaTopic)
		defer kafkaSink.Close()
		sink = kafkaSink
	}

	wfBackend := wfsqlite.NewSqliteBackend(appCfg.WorkflowDatabasePath)
	wfWorker := worker.New(wfBackend, nil)
	wfClient := client.New(wfBackend)

	agentClient := agent.NewClient()

	publisher := engine.NewPublisher(sink, 256, stats)
	go publisher.Run(ctx)
	defer publisher.Close()

	eng, err := engine.New(engine.Deps{
		Deployments: &sqlite.DeploymentRepo{DB: db},
		Assets:      &sqlite.AssetRepo{DB: db},
		Applied:     &sqlite.ApplyRecordRepo{DB: db},
		Rollbacks:   &sqlite.RollbackRecordRepo{DB: db},
		Executor:    agentClient,
		Source:      agentClient,
		Workflows:   &goworkflows.Engine{Worker: wfWorker, Client: wfClient},
		Publisher:   publisher,
		Stats:       stats,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build rollout engine")
	}
	defer eng.Close()

	if err := wfWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start workflow worker")
	}

	if err := eng.RecoverActive(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to resume active deployments")
	}

	serverClose := startProbeServer(appCfg.ProbeAddr)
	defer serverClose()

	log.Info().Str("node", appCfg.NodeName).Msg("rollout server running")
	<-ctx.Done()
}

func startProbeServer(addr string) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    addr,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start probe server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
