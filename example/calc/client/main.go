package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/Zereker/wsrpc"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug})))

	configPath := flag.String("config", "", "path to YAML config")
	url := flag.String("url", "ws://localhost:8080/rpc", "server URL")
	flag.Parse()

	endpoint := *url
	var clientOpts []wsrpc.ClientOption
	if *configPath != "" {
		cfg, err := wsrpc.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		if cfg.URL != "" {
			endpoint = cfg.URL
		}
		clientOpts = cfg.ClientOptions()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down client...")
		cancel()
	}()
	clientOpts = append(clientOpts, wsrpc.SignalOption(ctx))

	client, err := wsrpc.NewClient(endpoint, clientOpts...)
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	sum, err := client.Call(callCtx, "add", 123, 456)
	callCancel()
	if err != nil {
		slog.Error("add failed", "error", err)
		os.Exit(1)
	}
	slog.Info("add", "result", sum)

	// Stream a finite sequence.
	v, err := client.Call(ctx, "countTo", 5)
	if err != nil {
		slog.Error("countTo failed", "error", err)
		os.Exit(1)
	}
	if s, ok := v.(*wsrpc.Stream); ok {
		items, err := s.Collect(ctx)
		if err != nil {
			slog.Error("countTo stream failed", "error", err)
		}
		slog.Info("countTo", "items", items)
	}

	// Follow the shared ticker until interrupted. Subscribe survives
	// reconnects: kill and restart the server to watch it resume.
	err = client.Subscribe(ctx, "ticks", nil, func(v any) error {
		slog.Info("tick", "value", v)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("subscription failed", "error", err)
	}
}
