// Package app wires the chat service from configuration. Both entry points
// build their transport on top of it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"market-chat/internal/config"
	"market-chat/internal/integrations/openai"
	"market-chat/internal/integrations/paramstore"
	"market-chat/internal/lock"
	"market-chat/internal/render"
	"market-chat/internal/repository"
	"market-chat/internal/tools"
	"market-chat/internal/usecase"
)

// App holds the wired service and whatever must be closed on shutdown.
type App struct {
	Chat      *usecase.ChatService
	Presenter *render.Presenter

	closers []func()
}

// store is both persistence ports; DynamoDB and Postgres implement it.
type store interface {
	usecase.ConversationStore
	usecase.UserStore
}

func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create parameter store client: %w", err)
	}

	st, err := a.openStore(ctx, cfg, func() (store, error) {
		return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.openLocker(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}

	model, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithMaxRetries(1),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}

	logger := slog.Default()
	registry := tools.NewRegistry(
		tools.WithCaptioner(model),
		tools.WithCaptionTimeout(cfg.CaptionTimeout),
		tools.WithLogger(logger),
	)
	gateway, err := usecase.NewGateway(st, st,
		usecase.WithPersistRetry(cfg.PersistAttempts, cfg.PersistBackoff),
		usecase.WithGatewayLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	dispatcher, err := usecase.NewDispatcher(model, registry, gateway, usecase.WithDispatchLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	reconciler, err := usecase.NewReconciler(registry, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Chat, err = usecase.NewChatService(usecase.ChatDeps{
		Params:     params,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Gateway:    gateway,
		Convs:      st,
		Users:      st,
		Locker:     locker,
		Logger:     logger,
	}, usecase.ChatConfig{
		ParamPrefix:      cfg.ParamPrefix,
		MaxQuestionLen:   cfg.MaxQuestionLen,
		FreeMessageLimit: cfg.FreeMessageLimit,
		LockWait:         cfg.LockWait,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Presenter = render.NewPresenter(render.NewTradingView(cfg.WidgetTheme, cfg.WidgetLocale))
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config, dynamo func() (store, error)) (store, error) {
	switch cfg.Storage {
	case config.StorageDynamoDB:
		st, err := dynamo()
		if err != nil {
			return nil, fmt.Errorf("app: create DynamoDB store: %w", err)
		}
		return st, nil
	case config.StoragePostgres:
		pool, err := repository.OpenPool(ctx, repository.PostgresConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		st, err := repository.NewPostgres(pool)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "database connected")
		return st, nil
	default:
		return nil, fmt.Errorf("app: unknown storage %q", cfg.Storage)
	}
}

// openLocker returns a Redis lock when a URL is configured, an in-process
// lock otherwise.
func (a *App) openLocker(ctx context.Context, redisURL string) (lock.Locker, error) {
	if redisURL == "" {
		return lock.NewLocal(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", "err", err)
		}
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("app: connect to redis: %w", err)
	}
	slog.InfoContext(ctx, "redis connected")
	return lock.NewRedis(client)
}
