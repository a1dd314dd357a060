package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/donna/common/version"
	"github.com/bdobrica/donna/internal/donna/app"
	"github.com/bdobrica/donna/internal/donna/config"
)

// Exit codes.
const (
	exitOK         = 0
	exitConfig     = 2
	exitDependency = 3
	exitInterrupt  = 130
	exitTerminated = 143
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "donna.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return exitOK
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("donna starting",
		"version", version.Version,
		"commit", version.GitCommit,
		"build_time", version.BuildTime,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "path", *configPath, "err", err)
		return exitConfig
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		if errors.Is(err, app.ErrDependency) {
			return exitDependency
		}
		return exitConfig
	}
	defer application.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var received os.Signal
	go func() {
		received = <-signals
		logger.Info("shutting down", "signal", received.String())
		stop()
	}()

	if err := application.Run(ctx); err != nil {
		logger.Error("runtime failure", "err", err)
		return exitDependency
	}

	switch received {
	case syscall.SIGINT:
		return exitInterrupt
	case syscall.SIGTERM:
		return exitTerminated
	}
	return exitOK
}
