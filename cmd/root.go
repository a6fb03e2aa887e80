package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"stagesave-server/config"
	"stagesave-server/server"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "stagesave-server",
	Short:        "Serve the level editor and save stages to disk",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logger := newLogger(os.Stdout, c.SlogLevel())
		slog.SetDefault(logger)
		logConfig(logger, c)
		conf = c
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Serve(cmd.Context(), conf)
	},
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func logConfig(logger *slog.Logger, c *config.Config) {
	if c.ConfigFile == "" {
		logger.Debug("no config file found, using defaults")
	}
	logger.Debug("config loaded",
		"config_file", c.ConfigFile,
		"host", c.Host,
		"port", c.Port,
		"target_file", c.TargetFile,
		"static_root", c.StaticRoot,
		"notify_enabled", c.NotifyEnabled,
	)
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default ./config.toml if present)")
	flags.String("host", "", "listen host, empty binds all interfaces")
	flags.IntP("port", "p", config.DefaultPort, "listen port")
	flags.StringP("target", "t", config.DefaultTargetFile, "file overwritten by "+config.SavePath)
	flags.String("root", config.DefaultStaticRoot, "directory served for GET requests")
	flags.Int("body-limit", config.DefaultBodyLimit, "max request body size in bytes")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("notify", true, "enable the save notification websocket")
	flags.String("notify-path", config.DefaultNotifyPath, "path of the save notification websocket")
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("failed to execute root command", "err", err)
		os.Exit(1)
	}
}
