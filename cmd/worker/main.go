package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	jobspgx "github.com/emergent-company/emergent.strategy-sub008/internal/jobs/pgx"
	"github.com/emergent-company/emergent.strategy-sub008/internal/orchestrator"
	"github.com/emergent-company/emergent.strategy-sub008/internal/queue"
	"github.com/emergent-company/emergent.strategy-sub008/internal/server"
	"github.com/emergent-company/emergent.strategy-sub008/internal/source"
	"github.com/emergent-company/emergent.strategy-sub008/internal/util"

	"github.com/emergent-company/emergent.strategy-sub008/pkg/ai"
	oai "github.com/emergent-company/emergent.strategy-sub008/pkg/ai/ollama"
	gai "github.com/emergent-company/emergent.strategy-sub008/pkg/ai/openai"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"
	graphpgx "github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore/pgx"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger/console"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ratelimit"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/schema"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Model client
	adapter := util.GetEnv("AI_ADAPTER")
	var modelClient ai.ModelClient

	switch adapter {
	case "ollama":
		client, err := oai.NewModelClient(oai.NewModelClientParams{
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		modelClient = client
	default:
		modelClient = gai.NewModelClient(gai.NewModelClientParams{
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),

			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
		})
	}

	// Init pgx client
	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	pgConn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	var jobStore jobs.Store = jobspgx.NewStoreWithConnection(pgConn)
	var graphStore graphstore.Store = graphpgx.NewStoreWithConnection(pgConn)

	// Schema registry
	registry, err := schema.LoadDir(util.GetEnvString("SCHEMA_DIR", "schemas"))
	if err != nil {
		logger.Fatal("Could not load schema registry", "err", err)
	}

	// Shared provider rate limiter
	limiter := ratelimit.NewLimiter(ratelimit.NewLimiterParams{
		RequestLimit: int(util.GetEnvNumeric("RPM_LIMIT", 60)),
		TokenLimit:   int(util.GetEnvNumeric("TPM_LIMIT", 90000)),
		Window:       time.Minute,
	})

	// Document source: local directory when SOURCE_DIR is set, S3 otherwise
	var docSource orchestrator.DocumentSource
	if dir := util.GetEnv("SOURCE_DIR"); dir != "" {
		docSource = source.NewFilesystemSource(dir)
	} else {
		s3Client := source.NewS3Client(ctx)
		docSource = source.NewS3Source(source.NewS3SourceParams{Client: s3Client})
	}

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.ExtractQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	go func() {
		if err := queue.ConsumeTriggers(ctx, conn, jobStore); err != nil && ctx.Err() == nil {
			logger.Error("Trigger consumer stopped", "err", err)
		}
	}()

	// Ops server
	srv := server.NewServer(server.NewServerParams{
		Jobs:  jobStore,
		Graph: graphStore,
	})
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("Server stopped", "err", err)
		}
	}()

	hostname, _ := os.Hostname()
	orch := orchestrator.NewOrchestrator(orchestrator.NewOrchestratorParams{
		Jobs:     jobStore,
		Graph:    graphStore,
		Registry: registry,
		Model:    modelClient,
		Limiter:  limiter,
		Source:   docSource,

		BasePrompt:   util.GetEnv("EXTRACT_BASE_PROMPT"),
		WorkerID:     util.GetEnvString("WORKER_ID", hostname),
		PollInterval: util.GetEnvDuration("POLL_INTERVAL", 5*time.Second),
		StaleAfter:   util.GetEnvDuration("STALE_AFTER", 15*time.Minute),
		MaxWait:      util.GetEnvDuration("RATE_LIMIT_MAX_WAIT", 60*time.Second),
	})

	workers := int(util.GetEnvNumeric("WORKERS", 4))
	logger.Info("Starting extraction workers", "workers", workers)

	if err := orch.Run(ctx, workers); err != nil && ctx.Err() == nil {
		logger.Fatal("Worker pool exited", "err", err)
	}

	logger.Info("Shutdown signal received, exiting...")
}
