// Command botcore runs the account-wide automation runtime as a
// standalone process: it loads the account configuration, wires every
// module, starts the per-character schedulers, serves the control HTTP
// surface, and waits for an OS signal to shut down gracefully.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/app"
	"artifactsbot/internal/logging"
)

// wireExternalDependencies is the seam onto the remote REST game server,
// the gear optimizer, and the game-data catalog: none of those concerns
// are implemented in this module, so a deployment links a build whose
// own init() replaces this with a function that returns a real
// app.Dependencies. Left nil, the binary refuses to start rather than
// run against a fabricated client.
var wireExternalDependencies func(log *zap.Logger) (app.Dependencies, error)

func main() {
	var (
		accountConfigPath = flag.String("account-config", "", "path to the account configuration JSON document")
		stateDir          = flag.String("state-dir", "./state", "directory for order-board and gear-state persistence files")
		httpAddr          = flag.String("http-addr", ":8090", "address the control HTTP surface listens on")
		wsFeedURL         = flag.String("ws-feed-url", "", "websocket URL for the live map-event stream")
		housekeepingCron  = flag.String("housekeeping-cron", "*/5 * * * *", "cron expression for the housekeeping cycle")
		logLevel          = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logFile           = flag.String("log-file", "", "optional log file path")
		logRotate         = flag.Bool("log-rotate", false, "rotate the log file with lumberjack instead of appending")
		firstRunClear     = flag.Bool("first-run-clear", false, "hard-clear the order board on this run's Start call")
		gracefulTimeoutMs = flag.Int64("graceful-timeout-ms", 10_000, "milliseconds to wait for schedulers to exit on stop")
	)
	flag.Parse()

	bootstrapLogger := zap.NewExample()
	log := logging.Setup(bootstrapLogger, logging.Config{
		Level:    *logLevel,
		File:     *logFile,
		Rotation: *logRotate,
		Stdout:   true,
	})
	defer log.Sync()

	if *accountConfigPath == "" {
		log.Fatal("--account-config is required")
	}

	if wireExternalDependencies == nil {
		log.Fatal("no remote game-server client wired into this build")
	}
	deps, err := wireExternalDependencies(log)
	if err != nil {
		log.Fatal("external dependency wiring failed", zap.Error(err))
	}

	rt, err := app.Bootstrap(deps, app.Config{
		AccountConfigPath:     *accountConfigPath,
		StateDir:              *stateDir,
		WSFeedURL:             *wsFeedURL,
		HousekeepingCron:      *housekeepingCron,
		RolloutFirstRunClear:  *firstRunClear,
		SchedulerIdleInterval: time.Second,
	})
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}

	ctx, cancelFeed := context.WithCancel(context.Background())
	if *wsFeedURL != "" {
		go rt.Feed.Run(ctx)
	}

	if err := rt.Manager.Start(context.Background(), rt.Control.RestartRun); err != nil {
		log.Fatal("runtime start failed", zap.Error(err))
	}

	httpServer := &http.Server{Addr: *httpAddr, Handler: rt.Control.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control http server stopped unexpectedly", zap.Error(err))
		}
	}()

	log.Info("botcore startup done", zap.String("httpAddr", *httpAddr))

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	cancelFeed()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(*gracefulTimeoutMs)*time.Millisecond)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("control http server shutdown error", zap.Error(err))
	}
	if err := rt.Manager.Stop(context.Background(), *gracefulTimeoutMs); err != nil {
		log.Warn("runtime stop error", zap.Error(err))
	}
}
