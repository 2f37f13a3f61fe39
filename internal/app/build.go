package app

import (
	"context"
	"fmt"
	"log"

	"github.com/mbrandolli/tandem/internal/backend"
	"github.com/mbrandolli/tandem/internal/bus"
	"github.com/mbrandolli/tandem/internal/chatbot"
	"github.com/mbrandolli/tandem/internal/config"
	"github.com/mbrandolli/tandem/internal/executor"
	"github.com/mbrandolli/tandem/internal/guard"
	"github.com/mbrandolli/tandem/internal/httpapi"
	"github.com/mbrandolli/tandem/internal/mapping"
	"github.com/mbrandolli/tandem/internal/observability"
	"github.com/mbrandolli/tandem/internal/task"
	"github.com/mbrandolli/tandem/internal/web"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Bridge   *web.Bridge
	Bot      *chatbot.Bot
	Executor *executor.Executor
	Mapper   *mapping.Mapper
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeMode, err := mapping.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("mapping store init failed: %w", err)
	}
	mapper := mapping.NewMapper(store)

	var opener backend.Opener
	switch cfg.BackendMode {
	case "mock":
		opener = backend.NewMockOpener()
		log.Printf("agent backend: mock")
	default:
		opener = backend.NewCLIOpener(cfg.AgentCLIPath)
		log.Printf("agent backend: cli (%s)", cfg.AgentCLIPath)
	}

	events := bus.New()
	registry := task.NewRegistry(cfg.TaskGCDelay)
	exec := executor.New(registry, opener, events, cfg.ProjectRoot)
	exec.SetDefaultOptions(executor.Options{
		PermissionMode: cfg.PermissionMode,
		Model:          cfg.AgentModel,
	})
	exec.SetMetrics(metrics)

	channelGuard := guard.New()

	bridge := web.NewBridge(channelGuard, mapper, exec, events, cfg.WebThrottle, cfg.DefaultProjectDir)
	bridge.SetMetrics(metrics)

	var bot *chatbot.Bot
	if cfg.TelegramBotToken != "" {
		bot, err = chatbot.New(cfg.TelegramBotToken, channelGuard, mapper, exec,
			cfg.ChatThrottle, cfg.DefaultProjectDir, cfg.TelegramPollPeriod)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("chatbot init failed: %w", err)
		}
		bot.SetMetrics(metrics)
	} else {
		log.Printf("chatbot disabled: no TELEGRAM_BOT_TOKEN")
	}

	api := httpapi.New(cfg, bridge, mapper, exec, metrics, storeMode)
	if bot != nil {
		api.RegisterExistenceCheck("telegram", bot.Transport().Exists)
	}

	cleanup := func() error {
		return store.Close()
	}

	log.Printf("mapping store: %s", storeMode)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Bridge:   bridge,
		Bot:      bot,
		Executor: exec,
		Mapper:   mapper,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
