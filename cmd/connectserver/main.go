// ConnectServer - MU Online connect server.
//
// ConnectServer greets game clients, serves them the GameServer list and
// the address of the server they pick, and tracks GameServer and
// JoinServer liveness from UDP heartbeats.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/mu-connect/connectserver/internal/api"
	concli "github.com/mu-connect/connectserver/internal/cli"
	"github.com/mu-connect/connectserver/internal/config"
	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/server"
	"github.com/mu-connect/connectserver/internal/telemetry"
	"github.com/mu-connect/connectserver/internal/util"
)

const (
	AppName    = "ConnectServer"
	AppVersion = "1.0.0"
	Banner     = `
   ____                            _    ____
  / ___|___  _ __  _ __   ___  ___| |_ / ___|  ___ _ ____   _____ _ __
 | |   / _ \| '_ \| '_ \ / _ \/ __| __|\___ \ / _ \ '__\ \ / / _ \ '__|
 | |__| (_) | | | | | | |  __/ (__| |_  ___) |  __/ |   \ V /  __/ |
  \____\___/|_| |_|_| |_|\___|\___|\__||____/ \___|_|    \_/ \___|_|
                                                           v%s
`
)

// exitStartupError is returned when a port cannot be bound or the server
// list cannot be loaded. A clean shutdown exits 0.
const exitStartupError = 1

func main() {
	app := &cli.App{
		Name:    "connectserver",
		Usage:   "MU Online connect server",
		Version: AppVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the INI configuration file",
				EnvVars: []string{"CONNECTSERVER_CONFIG"},
				Value:   config.DefaultConfigFile,
			},
			&cli.StringFlag{
				Name:  "serverlist",
				Usage: "Override ServerListPath from the configuration",
			},
			&cli.BoolFlag{
				Name:  "no-console",
				Usage: "Do not read console commands from stdin",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartupError)
	}
}

func run(c *cli.Context) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured once the INI file is read.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return cli.Exit(fmt.Sprintf("failed to initialize logger: %v", err), exitStartupError)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting ConnectServer")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		log.Warn().Err(err).Msg("using default configuration")
	}
	if path := c.String("serverlist"); path != "" {
		cfg.ConnectServer.ServerListPath = path
	}

	if err := util.InitLogger(cfg.Log); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	for _, e := range validation.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message + ", using default")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	srv := server.New(cfg, bus)

	if err := srv.LoadCatalog(); err != nil {
		log.Error().Err(err).Msg("no server list to serve")
		return cli.Exit("", exitStartupError)
	}
	if err := srv.Listen(ctx); err != nil {
		log.Error().Err(err).Msg("failed to bind ConnectServer ports")
		return cli.Exit("", exitStartupError)
	}

	var apiServer *api.Server
	if cfg.API.Port > 0 {
		apiServer = api.NewServer(srv)
		if err := apiServer.Listen(ctx); err != nil {
			log.Warn().Err(err).Msg("REST API disabled")
			apiServer = nil
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, srv, bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	shutdownCh := make(chan string, 1)
	bus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, e events.Event) error {
		reason := e.Source
		if p, ok := e.Payload.(events.ShutdownPayload); ok && p.Reason != "" {
			reason = p.Reason
		}
		select {
		case shutdownCh <- reason:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Run(ctx)
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("REST API server failed (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
			}
		}()
	}

	if !c.Bool("no-console") {
		console := concli.NewCLI(srv, bus)
		// Not waited on; the stdin read may block past shutdown.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case reason := <-shutdownCh:
		log.Info().Str("reason", reason).Msg("shutdown requested")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	bus.Stop()
	log.Info().Msg("ConnectServer stopped")
	return nil
}
