package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"staticboost/internal/settings"
	"staticboost/internal/staticboost"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "staticboost",
	Short:        "Full-page HTML cache in front of a CMS",
	Long:         `Serves rendered pages from disk, captures misses from the origin and keeps the artifact tree fresh.`,
	RunE:         runServe,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getenvDefault("STATICBOOST_CONFIG", "/staticboost.yaml"), "path to staticboost.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.AddCommand(serveCmd, regenerateCmd, preloadCmd, statsCmd, clearCmd, invalidateCmd)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

// setup loads the config and builds the logger every command shares.
func setup() (settings.Config, zerolog.Logger, error) {
	cfg, err := settings.LoadConfig(configPath)
	if err != nil {
		return settings.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	lvl, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return settings.Config{}, zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
	}
	var out io.Writer = os.Stderr
	if cfg.Logging.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return cfg, log, nil
}

// withService runs fn against a service without its background loops.
func withService(fn func(ctx context.Context, svc *staticboost.Service) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	svc, err := staticboost.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, svc)
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the cache front (default)",
	RunE:         runServe,
	SilenceUsage: true,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	svc, err := staticboost.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{}
	listen := func(name string, port int, h http.Handler) error {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)
		go func() {
			log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msgf("%s listening", name)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msgf("%s server error", name)
				stop()
			}
		}()
		return nil
	}
	if err := listen("cache", cfg.Server.Port, svc.Handler()); err != nil {
		return err
	}
	if cfg.Server.AdminPort != 0 {
		if cfg.Server.AdminToken == "" {
			log.Warn().Msg("admin API has no token; bind the admin port to a private interface")
		}
		if err := listen("admin", cfg.Server.AdminPort, svc.AdminHandler()); err != nil {
			return err
		}
	}
	svc.Start()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
