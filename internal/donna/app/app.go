// Package app wires Donna's components together: configuration, stores,
// providers, pipeline, lifecycle, and the WhatsApp poll loop.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdobrica/donna/common/environment"
	"github.com/bdobrica/donna/internal/donna/commands"
	"github.com/bdobrica/donna/internal/donna/config"
	"github.com/bdobrica/donna/internal/donna/lifecycle"
	"github.com/bdobrica/donna/internal/donna/llm"
	"github.com/bdobrica/donna/internal/donna/media"
	"github.com/bdobrica/donna/internal/donna/memory"
	"github.com/bdobrica/donna/internal/donna/pipeline"
	"github.com/bdobrica/donna/internal/donna/prompts"
	"github.com/bdobrica/donna/internal/donna/session"
	"github.com/bdobrica/donna/internal/donna/tokenizer"
	"github.com/bdobrica/donna/internal/donna/whatsapp"
)

// Environment variable names for secrets. Secrets never live in the YAML
// configuration file.
const (
	EnvOpenAIAPIKey     = "DONNA_OPENAI_API_KEY"
	EnvWhatsAppAPIToken = "DONNA_WHATSAPP_API_TOKEN"
)

// ErrDependency marks startup failures caused by an unavailable dependency
// (storage, provider credentials). The CLI maps it to exit code 3.
var ErrDependency = errors.New("app: dependency unavailable")

// App is the composed application.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	ltmDB     *sql.DB
	sessions  *session.Store
	ltm       memory.LongTermMemory
	lifecycle *lifecycle.Manager
	pipeline  *pipeline.Pipeline
	client    *whatsapp.Client
	poller    *whatsapp.Poller
	workers   *dispatcher
}

// New builds the application from a validated configuration. Failures here
// are dependency failures; configuration validity was already established
// by config.Load.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	openAIKey, err := environment.RequiredString(EnvOpenAIAPIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}
	waToken, err := environment.RequiredString(EnvWhatsAppAPIToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	reg, err := prompts.NewRegistry(map[prompts.Name]string{
		prompts.Preamble:               cfg.SystemPreamblePath,
		prompts.ImageOCR:               cfg.Prompts.ImageOCR,
		prompts.Classify:               cfg.Prompts.Classify,
		prompts.ExtractContract:        cfg.Prompts.ExtractContract,
		prompts.ExtractReceipt:         cfg.Prompts.ExtractReceipt,
		prompts.ExtractInvoice:         cfg.Prompts.ExtractInvoice,
		prompts.ExtractCourtResolution: cfg.Prompts.ExtractCourtResolution,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	completer := llm.New(llm.Config{
		APIKey:  openAIKey,
		BaseURL: cfg.Completion.BaseURL,
		Model:   cfg.Completion.Model,
	})

	var embedder memory.Embedder = memory.NoopEmbedder{}
	if cfg.FeatureFlags.MemoryEnabled {
		embedder = memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:  openAIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
		})
	}

	ltmDB, err := memory.OpenCollection(cfg.LTM.StorageRoot, cfg.LTM.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("%w: open memory collection: %v", ErrDependency, err)
	}
	ltm := memory.NewSQLiteLTM(ltmDB, embedder, logger)

	counter := tokenizer.New(cfg.Completion.Model)
	sessions, err := session.Open(cfg.Session.StorageRoot, cfg.Session.RoleTokenBudgets, counter, logger)
	if err != nil {
		ltmDB.Close()
		return nil, fmt.Errorf("%w: open session store: %v", ErrDependency, err)
	}

	lc := lifecycle.New(sessions, ltm, completer, lifecycle.Config{
		IdleTimeout:      cfg.IdleTimeout(),
		Interval:         cfg.CleanupInterval(),
		Model:            cfg.Completion.Model,
		SummaryMaxTokens: cfg.Completion.MaxTokens,
		PrivilegedChatID: cfg.Principals.PrivilegedChatID,
	}, logger)

	ingestor, err := media.NewIngestor(media.Config{
		StorageRoot: cfg.Media.StorageRoot,
		MaxBytes:    cfg.Media.MaxBytes,
		MaxPDFPages: cfg.Media.MaxPDFPages,
		Model:       cfg.Completion.Model,
	}, completer, reg, logger)
	if err != nil {
		ltmDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}

	router := commands.NewRouter()
	commands.RegisterBuiltins(router, commands.Deps{
		Lifecycle:        lc,
		LTM:              ltm,
		PrivilegedChatID: cfg.Principals.PrivilegedChatID,
		ResetWord:        cfg.Commands.Reset,
		Logger:           logger,
	})

	pipe := pipeline.New(sessions, ltm, completer, ingestor, router, reg.Get(prompts.Preamble), pipeline.Config{
		Model:            cfg.Completion.Model,
		MaxTokens:        cfg.Completion.MaxTokens,
		Temperature:      cfg.Completion.Temperature,
		TopK:             cfg.LTM.TopK,
		MinSimilarity:    cfg.LTM.MinSimilarity,
		MemoryEnabled:    cfg.FeatureFlags.MemoryEnabled,
		PrivilegedChatID: cfg.Principals.PrivilegedChatID,
	}, logger)

	client := whatsapp.NewClient(whatsapp.Config{
		BaseURL:    cfg.WhatsApp.BaseURL,
		InstanceID: cfg.WhatsApp.InstanceID,
		APIToken:   waToken,
	}, logger)

	app := &App{
		cfg:       cfg,
		logger:    logger,
		ltmDB:     ltmDB,
		sessions:  sessions,
		ltm:       ltm,
		lifecycle: lc,
		pipeline:  pipe,
		client:    client,
		workers:   newDispatcher(),
	}
	app.poller = whatsapp.NewPoller(client, app.handleNotification, logger)
	return app, nil
}

// Run recovers orphaned sessions, starts the lifecycle sweeper and the poll
// loop, and blocks until ctx is cancelled. In-flight messages are drained
// before returning.
func (a *App) Run(ctx context.Context) error {
	// Orphans must be recovered before any inbound traffic is served.
	if err := a.lifecycle.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("app: orphan recovery: %w", err)
	}

	go a.lifecycle.Run(ctx)

	a.logger.Info("app: started",
		"memory_enabled", a.cfg.FeatureFlags.MemoryEnabled,
		"completion_model", a.cfg.Completion.Model,
	)

	a.poller.Run(ctx)

	a.workers.drain()
	a.logger.Info("app: stopped")
	return nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.ltmDB.Close()
}

// handleNotification translates one provider event into a pipeline call and
// sends the reply. It runs on the chat's serial worker so same-chat
// messages keep their order while distinct chats proceed in parallel.
func (a *App) handleNotification(ctx context.Context, note *whatsapp.Notification) {
	chatID := note.Body.SenderData.ChatID
	if chatID == "" {
		return
	}

	a.workers.submit(chatID, func() {
		in := pipeline.Inbound{
			ChatID:      chatID,
			SenderID:    note.Body.SenderData.Sender,
			Role:        a.roleOf(chatID),
			ContentText: note.Body.MessageData.Text(),
			MessageID:   note.Body.IDMessage,
		}

		if fm := note.Body.MessageData.FileMessageData; fm != nil {
			data, err := a.client.DownloadFile(ctx, fm.DownloadURL, a.cfg.Media.MaxBytes)
			if err != nil {
				a.logger.Warn("app: attachment download failed",
					"message_id", in.MessageID,
					"err", err,
				)
			} else {
				in.Artifact = &media.Artifact{
					FileName: fm.FileName,
					MimeType: fm.MimeType,
					Data:     data,
				}
			}
		}

		reply := a.pipeline.HandleInbound(ctx, in)
		if reply == "" {
			return
		}
		if _, err := a.client.SendMessage(ctx, chatID, reply); err != nil {
			a.logger.Error("app: send reply failed",
				"message_id", in.MessageID,
				"err", err,
			)
		}
	})
}

// roleOf maps a chat to its pipeline role.
func (a *App) roleOf(chatID string) string {
	if chatID != "" && chatID == a.cfg.Principals.PrivilegedChatID {
		return config.RoleGodfather
	}
	return config.RoleClient
}
