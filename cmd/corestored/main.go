// Command corestored runs the document store daemon: it loads the store
// schema, opens the configured backend, and wires the write pipeline to the
// reference synchronizer and change notifier.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"corestore/internal/access"
	"corestore/internal/blob"
	blobfs "corestore/internal/infra/blob/fs"
	blobmemory "corestore/internal/infra/blob/memory"
	blobs3 "corestore/internal/infra/blob/s3"
	"corestore/internal/config"
	"corestore/internal/infra/persistence/memory"
	"corestore/internal/infra/persistence/postgres"
	"corestore/internal/infra/persistence/sqlite"
	"corestore/internal/notify"
	"corestore/internal/refsync"
	"corestore/internal/script"
	"corestore/internal/store"
	"corestore/internal/validation"
	"corestore/pkg/domain"
)

func main() {
	configPath := flag.String("config", "", "path to the daemon configuration file")
	schemaPath := flag.String("schema", "", "path to the store schema file (overrides config)")
	devLogging := flag.Bool("dev", false, "use development logging")
	flag.Parse()

	logger, err := newLogger(*devLogging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *schemaPath, logger); err != nil {
		logger.Fatal("corestored failed", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath, schemaPath string, logger *zap.Logger) error {
	app, err := config.LoadApp(configPath)
	if err != nil {
		return err
	}
	if schemaPath != "" {
		app.SchemaPath = schemaPath
	}
	if app.SchemaPath == "" {
		return errors.New("no store schema configured (set schemaPath or -schema)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	descs, err := config.LoadFile(app.SchemaPath)
	if err != nil {
		return err
	}

	scripts := script.NewEngine(0)
	accessEngine := access.NewEngine(scripts)
	registry, err := config.NewRegistry(accessEngine, scripts, descs...)
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, app.Backend)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()
	logger.Info("backend ready", zap.String("driver", app.Backend.Driver))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svcOpts := []store.Option{
		store.WithLogger(logger.Named("store")),
		store.WithMetricsRegistry(promReg),
		store.WithValidator(validation.New()),
		store.WithDeferredLocking(),
	}
	if app.SynchronousPropagation {
		svcOpts = append(svcOpts, store.WithSynchronousPropagation())
	}
	blobs, err := openBlobs(ctx, app.Blob)
	if err != nil {
		return err
	}
	if blobs != nil {
		svcOpts = append(svcOpts, store.WithBlobs(blobs))
		logger.Info("blob storage ready", zap.String("driver", string(blobs.Driver())))
	}

	svc := store.NewService(backend, registry, accessEngine, svcOpts...)

	sync := refsync.New(svc, registry, logger.Named("refsync"))
	svc.OnPostWrite(sync.HandleChange)

	subs := notify.NewSubscriberRegistry()
	transport := notify.NewInProcTransport(0)
	notifierOpts := []notify.NotifierOption{notify.WithNotifierLogger(logger.Named("notify"))}
	if app.AccountStore != "" {
		notifierOpts = append(notifierOpts, notify.WithAccountStore(app.AccountStore))
	}
	notifier := notify.NewNotifier(registry, accessEngine, scripts, subs, transport, promReg, notifierOpts...)
	svc.OnChange(notifier.HandleChange)

	svc.MarkReady()
	logger.Info("document store ready",
		zap.Strings("stores", registry.StoreNames()),
		zap.String("schema", app.SchemaPath))

	srv := &http.Server{
		Addr:              app.MetricsAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           observabilityMux(promReg),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("observability endpoint listening", zap.String("addr", app.MetricsAddr))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	svc.Drain()
	return nil
}

func observabilityMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func openBackend(ctx context.Context, cfg config.BackendConfig) (domain.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.NewStore(cfg.Path)
	case "postgres":
		return postgres.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case string(blob.DriverFilesystem):
		return blobfs.New(cfg.Root)
	case string(blob.DriverMemory):
		return blobmemory.New(), nil
	case string(blob.DriverS3):
		return blobs3.New(ctx, blobs3.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
