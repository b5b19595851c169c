package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/go-sessions/internal/api"
	"github.com/flitsinc/go-sessions/internal/background"
	"github.com/flitsinc/go-sessions/internal/config"
	"github.com/flitsinc/go-sessions/internal/embeddings"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/runtime/anthropic"
	"github.com/flitsinc/go-sessions/internal/state"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		log.Fatalf("create working dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := eventbus.NewBus(db)

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("load registry: %v", err)
	}
	if cfg.ConcurrencyCap > 0 {
		reg.ConcurrencyCap = cfg.ConcurrencyCap
	}

	rt, err := anthropic.New(anthropic.Config{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.RuntimeModel,
	})
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	embedder := embeddings.New(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	if embedder == nil {
		log.Printf("embeddings disabled: no OpenAI API key")
	}

	runs := background.NewManager(db, store, bus, rt, reg, cfg.WorkingDir, cfg.RuntimeModel, cfg.BackgroundTimeout)

	apiServer := &api.Server{
		Store:             store,
		Bus:               bus,
		Runs:              runs,
		Runtime:           rt,
		Registry:          reg,
		Embedder:          embedder,
		WorkingDir:        cfg.WorkingDir,
		Model:             cfg.RuntimeModel,
		PermissionTimeout: cfg.PermissionTimeout,
		StartedAt:         time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("sessiond listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
