package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/yaml.v3"

	"github.com/github-joyngroup/dokrouter/engine"
	"github.com/github-joyngroup/dokrouter/store/memory"
)

// definitionsFile is one authored YAML file in the definitions directory.
type definitionsFile struct {
	Activities []*engine.ActivityConfiguration `yaml:"activities"`
	Pipelines  []*engine.PipelineConfiguration `yaml:"pipelines"`
}

func main() {
	configPath := flag.String("config", "dokrouter.yaml", "engine configuration file")
	definitionsDir := flag.String("definitions", "definitions", "directory with activity/pipeline definition files")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := readConfig(*configPath)
	if err != nil {
		log.Fatalf("Error reading engine configuration: %v", err)
	}

	st := memory.New()
	if err := seedDefinitions(st, *definitionsDir); err != nil {
		log.Fatalf("Error loading definitions: %v", err)
	}

	eng, err := engine.New(logger, cfg, st, engine.BuiltinHandlers(), nil)
	if err != nil {
		log.Fatalf("Error initializing engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)

	g := gin.Default()
	eng.RegisterRoutes(g)

	srv := &http.Server{Addr: *addr, Handler: g}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("dokrouter listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Error running server: %v", err)
	}
}

// readConfig loads the engine configuration; a missing file means all
// defaults.
func readConfig(path string) (engine.Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.Config{}, nil
	}
	if err != nil {
		return engine.Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg engine.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return engine.Config{}, fmt.Errorf("unmarshalling %s: %w", path, err)
	}
	return cfg, nil
}

// seedDefinitions reads every YAML file in dir into the store.
func seedDefinitions(st *memory.Store, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
		var defs definitionsFile
		if err := yaml.Unmarshal(raw, &defs); err != nil {
			return fmt.Errorf("unmarshalling %s: %w", file, err)
		}
		for _, a := range defs.Activities {
			st.AddActivityConfiguration(a)
		}
		for _, p := range defs.Pipelines {
			st.AddPipelineConfiguration(p)
		}
	}
	return nil
}
