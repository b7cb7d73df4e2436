// vestra-orchestrator — координирует выполнение узлов flow на общих приборах.
//
// Orchestrator:
//   - Загружает граф flow из flows.json и перезагружает его при изменении
//   - Подключает приборы и ведёт их очереди
//   - Принимает вызовы узлов по HTTP и выдаёт приборы по очереди
//   - Публикует события в RabbitMQ и будит другие процессы с тем же хранилищем
//   - Запускает flow по расписанию (только лидер при общей БД)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/vestra/internal/api"
	"github.com/shaiso/vestra/internal/config"
	"github.com/shaiso/vestra/internal/flowgraph"
	"github.com/shaiso/vestra/internal/instrument"
	"github.com/shaiso/vestra/internal/ledger"
	"github.com/shaiso/vestra/internal/ledger/memory"
	"github.com/shaiso/vestra/internal/mq"
	"github.com/shaiso/vestra/internal/notify"
	"github.com/shaiso/vestra/internal/orchestrator"
	"github.com/shaiso/vestra/internal/repo"
	"github.com/shaiso/vestra/internal/scheduler"
	"github.com/shaiso/vestra/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("VESTRA_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(telemetry.LoggerConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger.Info("starting vestra-orchestrator", "instance_id", instanceID, "ledger", cfg.Ledger.Driver)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	store, leader, closeStore, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Граф flow
	graph := flowgraph.NewHolder(nil)
	watcher := flowgraph.NewWatcher(graph, flowgraph.WatcherConfig{
		Dir:  cfg.Flows.Dir,
		File: cfg.Flows.File,
		Options: flowgraph.Options{
			IgnoredTypes:     cfg.Flows.IgnoredTypes,
			PassthroughTypes: cfg.Flows.PassthroughTypes,
		},
		OnReload: func(_ *flowgraph.Graph, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			telemetry.FlowGraphReloads.WithLabelValues(result).Inc()
		},
		Logger: logger,
	})
	if g, err := watcher.Load(); err != nil {
		// Оркестратор поднимается и без графа: вызовы узлов вернут 503 до первой удачной загрузки
		logger.Warn("flow graph not loaded", "path", watcher.Path(), "error", err)
	} else {
		logger.Info("flow graph loaded", "path", watcher.Path(), "nodes", g.Size())
	}

	// Приборы
	var factories map[string]instrument.Factory
	if cfg.Instruments.Simulate {
		factories = instrument.SimulatedFactories(instrument.SimConfig{
			OpDelay: cfg.Instruments.OpDelay,
			Logger:  logger,
		})
	}
	registry := instrument.NewRegistry(instrument.RegistryConfig{
		Factories: factories,
		Logger:    logger,
	})
	n, err := registry.Load(ctx, store.Instruments)
	if err != nil {
		logger.Error("failed to load instruments", "error", err)
		os.Exit(1)
	}
	connected := registry.ConnectAll(ctx)
	logger.Info("instruments ready", "registered", n, "connected", connected)

	hub := notify.New()

	// RabbitMQ
	var events orchestrator.EventPublisher
	var wake *mq.Consumer
	if cfg.MQ.Enabled {
		mqConn, err := mq.NewConnection(cfg.MQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			// Создаём топологию
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}

			events = mq.NewPublisher(mqConn, instanceID, logger)
			wake = mq.NewWakeConsumer(mqConn, logger, instanceID, hub)
		}
	}

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Ledger:           store,
		Graph:            graph,
		Registry:         registry,
		Hub:              hub,
		Events:           events,
		PollInterval:     cfg.Orchestrator.PollInterval,
		DispatchInterval: cfg.Orchestrator.DispatchInterval,
		MinBackoff:       cfg.Orchestrator.MinBackoff,
		Logger:           logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// Расписания
	sched, err := scheduler.New(scheduler.Config{
		Schedules: schedules(cfg.Schedules),
		Starter:   orch,
		Leader:    leader,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("invalid schedules", "error", err)
		orch.Stop()
		os.Exit(1)
	}

	// HTTP mux: API + /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Ledger:       store,
		Registry:     registry,
		Graph:        graph,
		Logger:       logger,
	})
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			// Граф остаётся последним загруженным, перезагрузки нет
			logger.Error("flow watcher stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if wake != nil {
		g.Go(func() error {
			if err := wake.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				// Без wake-очереди остаётся опрос по таймеру
				logger.Warn("wake consumer stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Сначала будим ожидающие вызовы узлов, иначе Shutdown ждёт их до таймаута
		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
	}

	logger.Info("vestra-orchestrator stopped")
}

// openLedger открывает хранилище по cfg.Ledger.Driver.
// Для PostgreSQL возвращает также leader election планировщика.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Ledger, scheduler.Leader, func(), error) {
	if cfg.Ledger.Driver == config.DriverMemory {
		store, err := seedMemory(cfg.Lab)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Warn("using in-memory ledger, state is lost on restart")
		return store.Ledger(), nil, func() {}, nil
	}

	pool, err := repo.NewPool(ctx, repo.PoolConfig{
		URL:      cfg.DB.URL,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info("database connected")

	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}

	leader := repo.NewAdvisoryLeader(pool, repo.SchedulerLockKey)
	closeFn := func() {
		if err := leader.Release(context.Background()); err != nil {
			logger.Warn("failed to release scheduler lock", "error", err)
		}
		pool.Close()
	}
	return repo.NewLedger(pool), leader, closeFn, nil
}

// schedules переводит расписания из конфигурации.
func schedules(list []config.ScheduleConfig) []scheduler.Schedule {
	out := make([]scheduler.Schedule, len(list))
	for i, sc := range list {
		out[i] = scheduler.Schedule{
			Name:        sc.Name,
			StartNodeID: sc.StartNodeID,
			CronExpr:    sc.Cron,
			Interval:    sc.Interval,
			Timezone:    sc.Timezone,
		}
	}
	return out
}

// seedMemory заполняет память приборами и локациями лаборатории.
// Пустая конфигурация лаборатории — демо-стенд.
func seedMemory(lab config.LabConfig) (*memory.Store, error) {
	if len(lab.Instruments) == 0 && len(lab.Locations) == 0 {
		lab = config.DemoLab()
	}

	store := memory.New()
	for _, li := range lab.Instruments {
		inst, err := li.Domain()
		if err != nil {
			return nil, fmt.Errorf("lab instrument %d: %w", li.ID, err)
		}
		store.AddInstrument(inst)
	}
	for _, ll := range lab.Locations {
		store.AddPlateLocation(ll.Domain())
	}
	return store, nil
}
