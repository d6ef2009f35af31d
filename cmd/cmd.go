// Package cmd implements the router daemon's CLI surface (§6.5), grounded
// on the teacher's cmd/cmd.go: an urfave/cli/v2 App with a "server"
// subcommand, build-info vars set by -ldflags, and a signal-driven
// graceful shutdown.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nogipx/rpcmesh/config"
)

const (
	ServiceName      = "rpcmesh"
	ServiceNamespace = "nogipx"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run parses os.Args and executes the resolved subcommand. Exit codes
// follow §6.5: 0 on a clean stop, 1 on startup or fatal runtime error, 130
// on SIGINT, 143 on SIGTERM.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "message router daemon",
		Commands: []*cli.Command{
			serverCmd(),
			statusCmd(),
			reloadCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"start"},
		Usage:   "run the router daemon in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config_file", Usage: "path to the configuration file"},
			&cli.StringFlag{Name: "host", Usage: "override the bind host"},
			&cli.IntFlag{Name: "port", Usage: "override the bind port"},
			&cli.StringFlag{Name: "log_level", Usage: "override the log level"},
			&cli.StringFlag{Name: "pid_file", Usage: "override the pid file path"},
			&cli.StringFlag{Name: "log_file", Usage: "override the log file path"},
			&cli.StringFlag{Name: "export_amqp_url", Usage: "override the AMQP export broker URL"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return fmt.Errorf("cmd: load config: %w", err)
			}
			applyFlagOverrides(cfg, c)

			if cfg.PidFile != "" {
				if err := writePidFile(cfg.PidFile); err != nil {
					return fmt.Errorf("cmd: write pid file: %w", err)
				}
				defer os.Remove(cfg.PidFile)
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("cmd: build logger: %w", err)
			}
			slog.SetDefault(logger.Logger)

			app, err := NewApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("cmd: build app: %w", err)
			}

			if err := app.Start(c.Context); err != nil {
				return fmt.Errorf("cmd: start: %w", err)
			}
			logger.Info("router started", slog.String("version", version), slog.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)))

			watcher, err := config.WatchLogLevel(c.String("config_file"), func(level string) {
				if lvl, ok := parseLevel(level); ok {
					logger.levelVar.Set(lvl)
					logger.Info("log level reloaded", slog.String("level", level))
				}
			})
			if err != nil {
				logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
			}
			_ = watcher

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			var sig os.Signal
			for sig = <-stop; sig == syscall.SIGHUP; sig = <-stop {
				reloaded, err := config.LoadConfig(c.String("config_file"))
				if err != nil {
					logger.Warn("reload failed", slog.String("error", err.Error()))
					continue
				}
				if lvl, ok := parseLevel(reloaded.LogLevel); ok {
					logger.levelVar.Set(lvl)
					logger.Info("log level reloaded", slog.String("level", reloaded.LogLevel))
				}
			}

			logger.Info("shutting down", slog.String("signal", sig.String()))
			if err := app.Stop(context.Background()); err != nil {
				return err
			}
			if sig == syscall.SIGTERM {
				os.Exit(143)
			}
			if sig == os.Interrupt {
				os.Exit(130)
			}
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report whether the daemon named by pid_file is running",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pid_file", Required: true},
		},
		Action: func(c *cli.Context) error {
			running, err := pidFileIsLive(c.String("pid_file"))
			if err != nil {
				return err
			}
			if running {
				fmt.Println("running")
				return nil
			}
			fmt.Println("stopped")
			return cli.Exit("", 1)
		},
	}
}

func reloadCmd() *cli.Command {
	return &cli.Command{
		Name:  "reload",
		Usage: "send SIGHUP-equivalent soft reload (log level only) to the running daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pid_file", Required: true},
		},
		Action: func(c *cli.Context) error {
			return signalPidFile(c.String("pid_file"), syscall.SIGHUP)
		},
	}
}

func applyFlagOverrides(cfg *config.Config, c *cli.Context) {
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log_level") {
		cfg.LogLevel = c.String("log_level")
	}
	if c.IsSet("pid_file") {
		cfg.PidFile = c.String("pid_file")
	}
	if c.IsSet("log_file") {
		cfg.LogFile = c.String("log_file")
	}
	if c.IsSet("export_amqp_url") {
		cfg.ExportAMQPURL = c.String("export_amqp_url")
	}
}
