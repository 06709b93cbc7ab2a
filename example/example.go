package main

import (
	"context"
	"log/slog"
	"os"

	"example/greeter"
	"example/ticker"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/modules/gateway"
	"github.com/GoCodeAlone/modhost/modules/orchestrator"
)

func main() {
	logger := modhost.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := modhost.NewFileConfig("config.yaml")
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	reg := modhost.NewRegistry()
	reg.MustRegister(modhost.Descriptor{
		Name:    orchestrator.ModuleName,
		System:  true,
		Version: "0.1.0",
		New:     func() modhost.Module { return orchestrator.New() },
	})
	reg.MustRegister(modhost.Descriptor{
		Name: gateway.ModuleName,
		New:  func() modhost.Module { return gateway.New() },
	})
	reg.MustRegister(modhost.Descriptor{
		Name:         greeter.ModuleName,
		Version:      "0.1.0",
		Dependencies: []string{gateway.ModuleName},
		New:          func() modhost.Module { return greeter.New() },
	})
	reg.MustRegister(modhost.Descriptor{
		Name: ticker.ModuleName,
		New:  func() modhost.Module { return ticker.New() },
	})

	rt, err := modhost.New(
		modhost.WithRegistry(reg),
		modhost.WithLogger(logger),
		modhost.WithConfig(cfg),
		modhost.WithHostSettings(cfg.Host()),
		modhost.WithDirectorySweep(),
		modhost.WithConfigWatch(),
	)
	if err != nil {
		logger.Error("building host", "error", err)
		os.Exit(1)
	}

	// Serves until SIGINT/SIGTERM. Try:
	//   curl http://127.0.0.1:8080/greetings/world
	//   curl http://127.0.0.1:8080/modules
	if err := rt.Run(context.Background()); err != nil {
		logger.Error("host failed", "error", err)
		os.Exit(1)
	}
}
