package app

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/describers"
	"github.com/lbds137/tzurot/internal/events"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/llm"
	"github.com/lbds137/tzurot/internal/memory"
	"github.com/lbds137/tzurot/internal/models"
	"github.com/lbds137/tzurot/internal/orchestrator"
	"github.com/lbds137/tzurot/internal/pipeline"
	"github.com/lbds137/tzurot/internal/queue"
	"github.com/lbds137/tzurot/internal/scheduler"
	"github.com/lbds137/tzurot/internal/shapes"
	storage "github.com/lbds137/tzurot/internal/storage/badger"
)

// App holds all worker components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager *storage.Manager
	QueueManager   *queue.Manager
	Workers        *queue.WorkerPool
	Orchestrator   *orchestrator.Orchestrator
	Notifier       *events.Notifier
	Scheduler      *scheduler.Scheduler

	Memories  *memory.Service
	Retrier   *memory.PendingMemoryRetrier
	Anthropic *llm.AnthropicService
	Gemini    *llm.GeminiService
	Pipeline  *pipeline.Pipeline
}

// New wires the worker from configuration. The Anthropic key is required;
// without Gemini the worker runs degraded (no transcription, no semantic
// duplicate layer, memories stored without embeddings). Shapes handlers
// register only when a credential key is configured.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	storageMgr, err := storage.NewManager(logger, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	queueMgr, err := queue.NewManager(
		storageMgr.DB().Badger(),
		cfg.Queue.QueueName,
		common.Duration(cfg.Queue.VisibilityTimeout),
		cfg.Queue.MaxAttempts,
		logger,
	)
	if err != nil {
		storageMgr.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	var gemini *llm.GeminiService
	var embedder interfaces.EmbeddingService
	var transcriber interfaces.TranscriptionService
	if cfg.LLM.GeminiAPIKey != "" {
		gemini, err = llm.NewGeminiService(cfg, logger)
		if err != nil {
			storageMgr.Close()
			return nil, fmt.Errorf("failed to initialize Gemini service: %w", err)
		}
		embedder = gemini
		transcriber = gemini
	} else {
		logger.Warn().Msg("No Gemini API key configured; transcription and embeddings disabled")
	}

	memories := memory.NewService(storageMgr.LTMStorage(), storageMgr.PersonalityStorage(), embedder, cfg.Memory, logger)
	retrier := memory.NewPendingMemoryRetrier(storageMgr.PendingMemoryStorage(), memories, cfg.Memory, logger)

	anthropic, err := llm.NewAnthropicService(cfg, memories, logger)
	if err != nil {
		storageMgr.Close()
		return nil, fmt.Errorf("failed to initialize Anthropic service: %w", err)
	}

	notifier := events.NewNotifier(logger)

	resolver := pipeline.NewDependencyResolver(storageMgr.ResultStore(), anthropic, logger)
	configs := pipeline.NewConfigResolver(storageMgr.PersonalityStorage(), cfg.Generation, logger)
	detector := pipeline.NewDuplicateDetector(cfg.Duplicate, embedder, logger)
	generator := pipeline.NewGenerator(anthropic, detector, storageMgr.PendingMemoryStorage(), cfg.Generation, logger)
	pipe := pipeline.New(
		resolver,
		configs,
		generator,
		storageMgr.JobResultStorage(),
		notifier,
		storageMgr.DiagnosticStorage(),
		anthropic.Provider(),
		cfg,
		logger,
	)

	audio := describers.NewAudioDescriber(storageMgr.ResultStore(), transcriber, cfg, logger)
	images := describers.NewImageDescriber(storageMgr.ResultStore(), anthropic, storageMgr.PersonalityStorage(), cfg, logger)

	workers := queue.NewWorkerPool(queueMgr, &cfg.Queue, logger)
	workers.RegisterHandler(models.JobTypeLLMGeneration, pipe.Handle)
	workers.RegisterHandler(models.JobTypeAudioTranscription, audio.Handle)
	workers.RegisterHandler(models.JobTypeImageDescription, images.Handle)
	workers.RegisterHandler(models.JobTypePendingMemoryRetry, retrier.Handle)

	if cfg.Shapes.CredentialKey != "" {
		cipher, err := shapes.NewCredentialCipher(cfg.Shapes.CredentialKey)
		if err != nil {
			storageMgr.Close()
			return nil, fmt.Errorf("invalid shapes credential key: %w", err)
		}
		factory := shapes.NewFetcherFactory(cfg, logger)
		importer := shapes.NewImportHandler(storageMgr.ShapesStorage(), storageMgr.PersonalityStorage(), memories, cipher, factory, cfg, logger)
		exporter := shapes.NewExportHandler(storageMgr.ShapesStorage(), cipher, factory, cfg, logger)
		workers.RegisterHandler(models.JobTypeShapesImport, importer.Handle)
		workers.RegisterHandler(models.JobTypeShapesExport, exporter.Handle)
	} else {
		logger.Warn().Msg("No shapes credential key configured; import/export disabled")
	}

	return &App{
		Config:         cfg,
		Logger:         logger,
		StorageManager: storageMgr,
		QueueManager:   queueMgr,
		Workers:        workers,
		Orchestrator:   orchestrator.New(queueMgr, cfg, logger),
		Notifier:       notifier,
		Scheduler:      scheduler.New(retrier, storageMgr.DiagnosticStorage(), cfg, logger),
		Memories:       memories,
		Retrier:        retrier,
		Anthropic:      anthropic,
		Gemini:         gemini,
		Pipeline:       pipe,
	}, nil
}

// RegisterDestination wires a transport for one response destination type.
// The embedding program supplies the send function; results for destination
// types with no registered transport stay pending.
func (a *App) RegisterDestination(destinationType string, send events.SendFunc) error {
	sub := events.NewDeliverySubscriber(a.StorageManager.JobResultStorage(), send, a.Logger)
	return a.Notifier.Subscribe(destinationType, sub.Handle)
}

// Start launches the worker pool and the maintenance scheduler.
func (a *App) Start() error {
	if err := a.Workers.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := a.Scheduler.Start(); err != nil {
		a.Workers.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.Logger.Info().
		Str("queue", a.Config.Queue.QueueName).
		Str("environment", a.Config.Environment).
		Msg("Worker started")
	return nil
}

// Close shuts the worker down in reverse dependency order.
func (a *App) Close() {
	a.Scheduler.Stop()
	a.Workers.Stop()
	if err := a.Notifier.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Notifier close failed")
	}
	if a.Gemini != nil {
		a.Gemini.Close()
	}
	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
	a.Logger.Info().Msg("Worker stopped")
}
