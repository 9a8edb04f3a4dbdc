package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/you-humble/datacollector/internal/dispatcher"
	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/executor"
	"github.com/you-humble/datacollector/internal/infra/config"
	"github.com/you-humble/datacollector/internal/infra/events"
	"github.com/you-humble/datacollector/internal/infra/queue"
	taskstore "github.com/you-humble/datacollector/internal/infra/store/task"
	mio "github.com/you-humble/datacollector/internal/libs/minio"
	natsq "github.com/you-humble/datacollector/internal/libs/nats"
	rediscli "github.com/you-humble/datacollector/internal/libs/redis"
	"github.com/you-humble/datacollector/internal/orchestrator"
	"github.com/you-humble/datacollector/internal/pathres"
	"github.com/you-humble/datacollector/internal/reconciler"
	"github.com/you-humble/datacollector/internal/transport"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type Orchestrator interface {
	transport.Usecase
	Subscribe(fn reconciler.Subscriber) (unsubscribe func())
	Recover(ctx context.Context) (int, error)
	Shutdown(ctx context.Context) error
}

type Dispatcher interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context)
}

type dependencyInjector struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	registry *pathres.Registry

	redis     *redis.Client
	taskStore orchestrator.TaskStore

	progress orchestrator.Progress
	runner   orchestrator.Runner
	orch     Orchestrator

	natsConn   *nats.Conn
	js         nats.JetStreamContext
	taskQueue  transport.Enqueuer
	dispatcher Dispatcher

	router Router
}

func newDI(cfgPath string) *dependencyInjector {
	return &dependencyInjector{cfgPath: cfgPath}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(di.Config().LogLevel),
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (di *dependencyInjector) Registry() *pathres.Registry {
	if di.registry == nil {
		di.registry = pathres.NewRegistry(di.Config().Providers...)
	}
	return di.registry
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(rediscli.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("RedisClient: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) TaskStore(ctx context.Context) orchestrator.TaskStore {
	if di.taskStore == nil {
		cfg := di.Config().TaskStore

		var (
			backend taskstore.Backend
			err     error
		)
		switch cfg.Backend {
		case "redis":
			backend = taskstore.NewRedisBackend(di.RedisClient(ctx), cfg.RedisKey)
		default:
			backend, err = taskstore.NewFileBackend(cfg.Path)
		}

		if err == nil {
			di.taskStore, err = taskstore.Open(ctx, backend,
				taskstore.WithMigration(taskstore.RegenerateDownloadPaths(di.Registry())),
			)
		}
		if err != nil {
			di.Logger().Warn("task store unavailable, keeping tasks in memory",
				slog.String("backend", cfg.Backend),
				slog.String("error", err.Error()),
			)
			di.taskStore = taskstore.NewMemory()
		} else {
			di.Logger().Info("opened task store",
				slog.String("backend", cfg.Backend),
				slog.String("path", cfg.Path),
			)
		}
	}
	return di.taskStore
}

func (di *dependencyInjector) Progress(ctx context.Context) orchestrator.Progress {
	if di.progress == nil {
		di.progress = reconciler.New(di.TaskStore(ctx))
	}
	return di.progress
}

func (di *dependencyInjector) Runner() orchestrator.Runner {
	if di.runner == nil {
		di.runner = executor.New(di.Config().Transfer.WorkersPerTask)
	}
	return di.runner
}

func (di *dependencyInjector) Orchestrator(ctx context.Context) Orchestrator {
	if di.orch == nil {
		cfg := di.Config()
		retry := mio.RetryConfig{
			MaxRetries:      cfg.Transfer.Retry.MaxRetries,
			InitialInterval: cfg.Transfer.Retry.InitialInterval,
			MaxInterval:     cfg.Transfer.Retry.MaxInterval,
		}

		di.orch = orchestrator.New(
			di.TaskStore(ctx),
			di.Progress(ctx),
			di.Runner(),
			cfg,
			di.Registry(),
			orchestrator.WithMaxPerDestination(cfg.Transfer.MaxPerDestination),
			orchestrator.WithSinkFactory(orchestrator.DefaultSinkFactory(retry)),
		)

		n, err := di.orch.Recover(ctx)
		if err != nil {
			di.Logger().Error("recover interrupted tasks", slog.String("error", err.Error()))
		} else if n > 0 {
			di.Logger().Info("marked interrupted tasks as failed", slog.Int("count", n))
		}

		if cfg.NATS.Enabled() {
			pub := events.NewPublisher(di.NATSConn(ctx), cfg.NATS.ProgressSubject)
			di.orch.Subscribe(func(p domain.DownloadProgress) { pub.Publish(p) })
			di.Logger().Info("publishing progress events",
				slog.String("subject", cfg.NATS.ProgressSubject),
			)
		}
	}
	return di.orch
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config()
		nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS
		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.StartSubject},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			Replicas:  1,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

// TaskQueue is nil unless a start subject is configured.
func (di *dependencyInjector) TaskQueue(ctx context.Context) transport.Enqueuer {
	if di.taskQueue == nil && di.Config().NATS.QueueEnabled() {
		di.taskQueue = queue.New(di.JetStream(ctx), di.Config().NATS.StartSubject)
	}
	return di.taskQueue
}

func (di *dependencyInjector) Dispatcher(ctx context.Context) Dispatcher {
	if di.dispatcher == nil && di.Config().NATS.QueueEnabled() {
		cfg := di.Config().NATS
		di.dispatcher = dispatcher.New(
			di.JetStream(ctx),
			cfg.Stream,
			cfg.StartSubject,
			cfg.Workers,
			di.Orchestrator(ctx),
		)
	}
	return di.dispatcher
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		h := transport.NewHandler(di.Orchestrator(ctx), di.TaskQueue(ctx))
		di.router = transport.NewRouter(h)
	}

	return di.router
}
