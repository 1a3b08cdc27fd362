package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portwarden/portwarden/internal/server"
	"github.com/portwarden/portwarden/pkg/config"
	"github.com/portwarden/portwarden/pkg/version"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "portwarden-server",
		Short:   "portwarden server - accept control links and proxy public traffic to tunnels",
		Version: version.GetShortVersion(),
		Run:     runServer,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetFullVersion())
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogger(cfg)

	log.Info().
		Str("host", cfg.Host).
		Int("control_port", cfg.ControlPort).
		Int("port_range_min", cfg.PortRangeMin).
		Int("port_range_max", cfg.PortRangeMax).
		Msg("starting portwarden server")

	srv := server.New(
		uint16(cfg.PortRangeMin),
		uint16(cfg.PortRangeMax),
		cfg.PoolSize,
		cfg.SecretHash(),
		log.Logger,
	)

	controlAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.ControlPort)
	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind control port")
	}

	go func() {
		log.Info().Str("addr", controlAddr).Msg("control link listening")
		if err := srv.Serve(controlLn); err != nil {
			log.Error().Err(err).Msg("control accept loop exited")
		}
	}()

	webApp := newManagementApp(srv, cfg)
	webAddr := fmt.Sprintf("%s:%d", cfg.WebHost, cfg.WebPort)
	go func() {
		log.Info().Str("addr", webAddr).Msg("management server listening")
		if err := webApp.Listen(webAddr); err != nil {
			log.Error().Err(err).Msg("management server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = webApp.ShutdownWithContext(ctx)
	_ = controlLn.Close()
	srv.Close()
}

// newManagementApp wires the web surface (component L): a health
// check, the connects listing/deletion routes, and (when enabled) the
// prometheus scrape endpoint adapted onto fiber's router.
func newManagementApp(srv *server.Server, cfg *config.ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "portwarden management",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/api/connects", func(c fiber.Ctx) error {
		tunnels := srv.ListTunnels()
		return c.JSON(tunnels)
	})

	app.Delete("/api/connects/:port", func(c fiber.Ctx) error {
		port, err := c.ParamsInt("port")
		if err != nil || port <= 0 || port > 65535 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid port"})
		}
		if !srv.DeleteTunnel(uint16(port)) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tunnel not found"})
		}
		return c.JSON(fiber.Map{"status": "deleted"})
	})

	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	return app
}

func setupLogger(cfg *config.ServerConfig) {
	var level zerolog.Level
	switch cfg.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}
