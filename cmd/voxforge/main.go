package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ekisa-team/voxforge/internal/backend"
	"github.com/ekisa-team/voxforge/internal/backend/coqui"
	"github.com/ekisa-team/voxforge/internal/catalog"
	"github.com/ekisa-team/voxforge/internal/config"
	"github.com/ekisa-team/voxforge/internal/env"
	"github.com/ekisa-team/voxforge/internal/logger"
	"github.com/ekisa-team/voxforge/internal/model"
	grpcserver "github.com/ekisa-team/voxforge/internal/server/grpc"
	httpserver "github.com/ekisa-team/voxforge/internal/server/http"
	"github.com/ekisa-team/voxforge/internal/service"
	"github.com/ekisa-team/voxforge/internal/session"
	"github.com/ekisa-team/voxforge/internal/synth"
)

const shutdownTimeout = 15 * time.Second

var errServerStopped = errors.New("server stopped unexpectedly")

func main() {
	var (
		flagHTTPPort   = flag.Int("http-port", 0, "HTTP port to listen on (default from config, 8501)")
		flagGRPCPort   = flag.Int("grpc-port", 0, "gRPC port to listen on (default from config, 8502)")
		flagConfigPath = flag.String("config", filepath.Join(config.DefaultConfigPath(), "config.yaml"), "Path to config file")
		flagSchemaPath = flag.String("schema", "", "Path to schema file (embedded schema when empty)")
	)
	flag.Parse()

	environment := env.FromEnv()
	slog.SetDefault(logger.New(environment, logger.WithLevel(logger.LevelFromEnv())))

	if err := run(environment, *flagConfigPath, *flagSchemaPath, *flagHTTPPort, *flagGRPCPort); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func run(environment env.Environment, configPath, schemaPath string, httpPort, grpcPort int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloads := make(chan *config.Config, 1)

	cfg, watcher, err := loadConfig(configPath, schemaPath, reloads)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}
	if httpPort != 0 {
		cfg.Server.HTTPPort = httpPort
	}
	if grpcPort != 0 {
		cfg.Server.GRPCPort = grpcPort
	}

	slog.SetDefault(logger.New(environment,
		logger.WithLevel(logger.LevelFromEnv()),
		logger.WithLogToFile(cfg.Logging.ToFile),
		logger.WithLogFile(cfg.Logging.File),
	))

	b, err := coqui.NewBackend(coqui.Options{
		Python:      cfg.Backend.Python,
		CacheDir:    cfg.Storage.CacheDir,
		ListTimeout: cfg.Backend.ListTimeout,
		LoadTimeout: cfg.Backend.LoadTimeout,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	device := resolveDevice(ctx, b, cfg.Backend.Device)
	slog.Info("Using device", "device", device, "provider", b.Provider())

	manager := model.NewManager(b, device)
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Warn("Failed to close models", "error", err)
		}
	}()

	grpcSrv := grpcserver.NewServer()

	cat := catalog.New(b, cfg.Catalog.Namespace, cfg.Catalog.CloningMarkers)
	cat.OnFetch(grpcSrv.SetCatalogHealth)

	sessions := session.NewStore(session.Options{
		TTL:           cfg.Sessions.TTL,
		SweepInterval: cfg.Sessions.SweepInterval,
		RatePerMinute: cfg.Sessions.RatePerMinute,
		Burst:         cfg.Sessions.Burst,
	})
	defer sessions.Close()

	tts := service.NewTTS(cat, manager, synth.NewInvoker(synth.Options{}), sessions, b.Provider(), cfg)
	httpSrv := httpserver.NewServer(cfg.Server.Addr(), tts)

	go func() {
		for {
			select {
			case next := <-reloads:
				tts.ApplyConfig(next)
				slog.Info("Config applied")
			case <-ctx.Done():
				return
			}
		}
	}()

	// Warm the catalog so the first page load does not wait for Python.
	go func() {
		if _, err := cat.List(ctx); err != nil {
			slog.Warn("Model catalog unavailable", "error", err)
		}
	}()

	errs := make(chan error, 2)
	go func() { errs <- httpSrv.ListenAndServe() }()
	go func() { errs <- serveGRPC(grpcSrv, cfg.Server.GRPCAddr()) }()

	serveErr := awaitServers(ctx, errs)
	if serveErr != nil {
		slog.Error("Server failed", "error", serveErr)
	} else {
		slog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	grpcSrv.Stop(shutdownCtx)

	return serveErr
}

// awaitServers blocks until ctx ends or a server returns. A server that
// returns before shutdown is a failure even without an error.
func awaitServers(ctx context.Context, errs <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		if err == nil {
			err = errServerStopped
		}
		return err
	}
}

// loadConfig watches configPath when it exists and falls back to the
// built-in defaults otherwise.
func loadConfig(configPath, schemaPath string, reloads chan<- *config.Config) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		slog.Info("No config file, using defaults", "config", configPath)
		cfg, err := config.LoadDefault()
		return cfg, nil, err
	}

	watcher, err := config.NewWatcher(configPath, schemaPath, func(cfg *config.Config, err error) {
		if err != nil {
			slog.Error("Failed to reload config", "error", err)
			return
		}

		select {
		case reloads <- cfg:
		default:
			slog.Warn("Config reload dropped, previous one still pending")
		}
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("Config loaded successfully", "config", configPath, "schema", schemaPath)
	return watcher.Snapshot(), watcher, nil
}

func resolveDevice(ctx context.Context, b backend.Backend, configured string) backend.Device {
	device, ok, err := backend.ParseDevice(configured)
	if err != nil {
		slog.Warn("Ignoring configured device", "device", configured, "error", err)
	}
	if ok {
		return device
	}

	device, err = b.ProbeDevice(ctx)
	if err != nil {
		slog.Warn("Device probe failed, falling back to cpu", "error", err)
		return backend.DeviceCPU
	}

	return device
}

func serveGRPC(srv *grpcserver.Server, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return srv.Serve(l)
}
