package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0xReLogic/carsxml/internal/config"
	"github.com/0xReLogic/carsxml/internal/logging"
	"github.com/0xReLogic/carsxml/internal/records"
	"github.com/0xReLogic/carsxml/internal/responselog"
	"github.com/0xReLogic/carsxml/internal/server"
	"github.com/0xReLogic/carsxml/internal/tracing"
)

var errCannotFindInput = errors.New("Cannot find input file")

func newRootCmd(fsys afero.Fs) *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:   "carsxml",
		Short: "Serve a line-delimited JSON car list as filtered XML",
		Long: `carsxml reads a file with one JSON record per line on every request,
filters it by the cylinders and max_mpg query parameters and answers with an
XML document. The last document served is kept in last_response.xml.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, fsys, v, configPath)
		},
	}

	flags := cmd.Flags()
	// -h belongs to --host; declaring help here keeps cobra from claiming the shorthand.
	flags.Bool("help", false, "help for carsxml")
	flags.StringP("input", "i", "", "Path to the line-delimited JSON input file")
	flags.StringP("host", "h", "", "Host to bind to")
	flags.StringP("port", "p", "", "Port to listen on")
	flags.StringVar(&configPath, "config", "", "Optional YAML config file")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("metrics-addr", "", "Address for the Prometheus /metrics listener (disabled when empty)")
	flags.String("otlp-endpoint", "", "OTLP/HTTP collector host:port (tracing disabled when empty)")

	bindFlags(v, cmd)
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for key, flag := range map[string]string{
		"input":               "input",
		"host":                "host",
		"port":                "port",
		"logging.level":       "log-level",
		"metrics.listen_addr": "metrics-addr",
		"tracing.endpoint":    "otlp-endpoint",
	} {
		mustBindFlag(v, cmd, key, flag)
	}
}

// mustBindFlag panics when name is not a flag of cmd.
func mustBindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %q to %q: %v", name, key, err))
	}
}

// announceURL reports the bound port when the configured one was 0.
func announceURL(cfg *config.Config, addr net.Addr) string {
	if cfg.Port != "0" || addr == nil {
		return cfg.BaseURL()
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return cfg.BaseURL()
	}
	bound := *cfg
	bound.Port = port
	return bound.BaseURL()
}

func run(cmd *cobra.Command, fsys afero.Fs, v *viper.Viper, configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	loader := records.NewLoader(fsys)
	if !loader.Exists(cfg.InputFile) {
		return errCannotFindInput
	}

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Environment); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := tracing.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logging.LogError("Failed to initialize tracing", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
			logging.LogInfo("Tracing initialized", map[string]interface{}{
				"service":  cfg.Tracing.ServiceName,
				"endpoint": cfg.Tracing.Endpoint,
			})
		}
	}

	srv := &server.Server{
		ListenAddr:  cfg.ListenAddr(),
		MetricsAddr: cfg.Metrics.ListenAddr,
		Handler:     server.NewHandler(cfg, loader, responselog.NewWriter(fsys)),
	}
	if err := srv.Listen(); err != nil {
		logging.LogError("failed_to_start_server", map[string]interface{}{"error": err})
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server running at %s\n", announceURL(cfg, srv.Addr()))
	logging.LogInfo("carsxml_started", map[string]interface{}{
		"listen_addr": srv.Addr().String(),
		"input":       cfg.InputFile,
	})

	err = srv.Serve(ctx)
	logging.LogInfo("shutting_down", nil)
	return err
}
