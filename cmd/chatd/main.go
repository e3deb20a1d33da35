package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/daemon"
	"github.com/matheus3301/chatd/internal/node"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	nodeFlag := flag.String("node", "", "node name (overrides config)")
	configFlag := flag.String("config", "", "config file (default ~/.chatd/config.toml)")
	listenFlag := flag.String("listen", "", "chat listen address (overrides config)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = node.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fatal(fmt.Errorf("load config %s: %w", configPath, err))
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fatal(err)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	nodeName := node.Resolve(*nodeFlag, cfg.Node)
	if err := node.ValidateName(nodeName); err != nil {
		fatal(err)
	}
	if err := node.EnsureDir(nodeName); err != nil {
		fatal(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Node: nodeName, Config: cfg}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
