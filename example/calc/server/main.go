package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lmittmann/tint"

	"github.com/Zereker/wsrpc"
)

var callCount = wsrpc.NewContextKey[int]("call_count")

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug})))

	configPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	listenAddr := *addr
	var serverOpts []wsrpc.ServerOption
	if *configPath != "" {
		cfg, err := wsrpc.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		if cfg.ListenAddr != "" {
			listenAddr = cfg.ListenAddr
		}
		serverOpts = cfg.ServerOptions()
	}
	serverOpts = append(serverOpts, wsrpc.ServerShutdownTimeoutOption(5*time.Second))

	server := wsrpc.NewServer(serverOpts...)

	// Every call bumps a per-connection counter.
	server.Use(func(next wsrpc.Handler) wsrpc.Handler {
		return func(ctx context.Context, params []any) (any, error) {
			n, _ := callCount.Get(ctx)
			callCount.Set(ctx, n+1)
			return next(ctx, params)
		}
	})

	server.Register("add", func(ctx context.Context, params []any) (any, error) {
		if len(params) != 2 {
			return nil, wsrpc.NewClientError("add takes two arguments")
		}
		a, aok := params[0].(float64)
		b, bok := params[1].(float64)
		if !aok || !bok {
			return nil, wsrpc.NewClientError("add takes two numbers")
		}
		return a + b, nil
	})

	server.Register("callCount", func(ctx context.Context, params []any) (any, error) {
		n, _ := callCount.Get(ctx)
		return n, nil
	})

	server.Register("countTo", func(ctx context.Context, params []any) (any, error) {
		if len(params) != 1 {
			return nil, wsrpc.NewClientError("countTo takes one argument")
		}
		limit, ok := params[0].(float64)
		if !ok {
			return nil, wsrpc.NewClientError("countTo takes a number")
		}
		s := wsrpc.NewStream(8)
		go func() {
			for i := 1.0; i <= limit; i++ {
				if err := s.Send(ctx, i); err != nil {
					return
				}
			}
			s.Close()
		}()
		return s, nil
	})

	// A shared ticker channel: every subscriber sees the same pushes.
	ticks := wsrpc.NewChannel(func(ctx context.Context, params []any) (any, error) {
		return "subscribed", nil
	})
	server.Register("ticks", ticks.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				ticks.Push(t.Format(time.RFC3339))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	router := mux.NewRouter()
	router.Handle("/rpc", server.HTTPHandler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{Addr: listenAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("server start", "addr", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}
