package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portwarden/portwarden/internal/local"
	"github.com/portwarden/portwarden/pkg/config"
	"github.com/portwarden/portwarden/pkg/version"
)

var (
	cfgFile    string
	serverHost string
	serverPort int
	localHost  string
	localPort  int
	remotePort int
	secretKey  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "portwarden-local",
		Short:   "portwarden local - expose a local service through a portwarden server",
		Long:    `portwarden-local dials a portwarden server and tunnels a public port to a local service.`,
		Version: version.GetShortVersion(),
		Run:     runLocal,
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
	rootCmd.Flags().StringVar(&serverHost, "server", "localhost", "portwarden server host")
	rootCmd.Flags().IntVar(&serverPort, "port", 7000, "portwarden server control port")
	rootCmd.Flags().StringVar(&localHost, "local-host", "localhost", "local service host")
	rootCmd.Flags().IntVar(&localPort, "local-port", 8000, "local service port")
	rootCmd.Flags().IntVar(&remotePort, "remote-port", 0, "requested public port (0 for any free port)")
	rootCmd.Flags().StringVarP(&secretKey, "key", "k", "", "shared secret for authentication")

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runLocal(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadLocalConfig(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cmd.Flags().Changed("server") {
		cfg.ServerHost = serverHost
	}
	if cmd.Flags().Changed("port") {
		cfg.ServerPort = serverPort
	}
	if cmd.Flags().Changed("key") {
		cfg.Secret = secretKey
	}
	if cmd.Flags().Changed("local-host") || cmd.Flags().Changed("local-port") || cmd.Flags().Changed("remote-port") {
		cfg.Links = []config.LinkConfig{{
			LocalHost:     localHost,
			LocalPort:     localPort,
			RequestedPort: remotePort,
		}}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogger(cfg)

	log.Info().
		Str("server", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)).
		Int("links", len(cfg.Links)).
		Msg("starting portwarden local")

	serverAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	secret := cfg.SecretHash()

	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 3 * time.Second
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, linkCfg := range cfg.Links {
		link := local.Link{
			LocalHost:     linkCfg.LocalHost,
			LocalPort:     uint16(linkCfg.LocalPort),
			RequestedPort: uint16(linkCfg.RequestedPort),
		}
		driver := local.NewDriver(serverAddr, secret, link, log.Logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			runWithReconnect(driver, stop, retryInterval)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	close(stop)
	wg.Wait()
}

// runWithReconnect drives one driver's continuous connection loop: on
// every control-link failure it waits retryInterval and tries again,
// until stop is closed. Grounded in the teacher's cmd/client retry
// cycle (logged attempt count and interval before each reconnect).
func runWithReconnect(driver *local.Driver, stop <-chan struct{}, retryInterval time.Duration) {
	attempt := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		if attempt > 0 {
			driver.Logger.Warn().
				Int("attempt", attempt).
				Dur("retry_interval", retryInterval).
				Msg("retrying control connection")
			select {
			case <-time.After(retryInterval):
			case <-stop:
				return
			}
		}
		attempt++

		if err := driver.Run(stop); err != nil {
			driver.Logger.Warn().Err(err).Msg("control connection ended, will reconnect")
			continue
		}
		return
	}
}

func setupLogger(cfg *config.LocalConfig) {
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
