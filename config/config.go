// Package config loads and hot-reloads the router daemon's configuration
// (§6.5), the way the teacher's cmd.go calls config.LoadConfig() before
// constructing its fx.App — using the teacher's own config stack
// (spf13/viper, spf13/pflag, fsnotify/fsnotify) even though the teacher's
// own config package was not present in the retrieval pack (see DESIGN.md).
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the daemon's full runtime configuration (§6.5 plus the router
// engine's tunables from §4.3/§4.7/§4.8).
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	PidFile  string `mapstructure:"pid_file"`
	LogFile  string `mapstructure:"log_file"`

	MaxFrameLength        int           `mapstructure:"max_frame_length"`
	StreamInboundQueue    int           `mapstructure:"stream_inbound_queue"`
	ClientMailboxSize     int           `mapstructure:"client_mailbox_size"`
	EventSubscriberQueue  int           `mapstructure:"event_subscriber_queue"`
	ClientIdleTimeout     time.Duration `mapstructure:"client_idle_timeout"`
	HeartbeatReapInterval time.Duration `mapstructure:"heartbeat_reap_interval"`
	PendingReapInterval   time.Duration `mapstructure:"pending_reap_interval"`
	DrainTimeout          time.Duration `mapstructure:"drain_timeout"`

	// ExportAMQPURL, when set, points internal/export's RouterEvent fan-out
	// at a real AMQP broker instead of the no-op default (§9's "pluggable
	// diagnostics consumer"). Empty disables export entirely.
	ExportAMQPURL      string `mapstructure:"export_amqp_url"`
	ExportAMQPExchange string `mapstructure:"export_amqp_exchange"`
}

// Defaults matches §4.1/§4.3/§4.7/§4.8's stated default values.
func Defaults() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		LogLevel:              "info",
		MaxFrameLength:        16 << 20,
		StreamInboundQueue:    64,
		ClientMailboxSize:     1024,
		EventSubscriberQueue:  256,
		ClientIdleTimeout:     60 * time.Second,
		HeartbeatReapInterval: 10 * time.Second,
		PendingReapInterval:   1 * time.Second,
		DrainTimeout:          5 * time.Second,
		ExportAMQPExchange:    "router.events",
	}
}

// LoadConfig reads the defaults, an optional config file, and ROUTER_-prefixed
// environment variables (environment wins over the file) into a Config,
// matching the teacher's cmd.go `config.LoadConfig()` call site. It does not
// read command-line flags; the CLI layer applies those afterwards.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	d := Defaults()

	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("pid_file", d.PidFile)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("max_frame_length", d.MaxFrameLength)
	v.SetDefault("stream_inbound_queue", d.StreamInboundQueue)
	v.SetDefault("client_mailbox_size", d.ClientMailboxSize)
	v.SetDefault("event_subscriber_queue", d.EventSubscriberQueue)
	v.SetDefault("client_idle_timeout", d.ClientIdleTimeout)
	v.SetDefault("heartbeat_reap_interval", d.HeartbeatReapInterval)
	v.SetDefault("pending_reap_interval", d.PendingReapInterval)
	v.SetDefault("drain_timeout", d.DrainTimeout)
	v.SetDefault("export_amqp_url", d.ExportAMQPURL)
	v.SetDefault("export_amqp_exchange", d.ExportAMQPExchange)

	v.SetEnvPrefix("router")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", configFile, err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// BindFlags registers the host/port/log-level/pidfile/logfile surface named
// in §6.5 onto a pflag.FlagSet owned by the CLI layer.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("host", d.Host, "bind host")
	fs.Int("port", d.Port, "bind port")
	fs.String("log_level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("pid_file", d.PidFile, "pid file path")
	fs.String("log_file", d.LogFile, "log file path (stderr if empty)")
	fs.String("export_amqp_url", d.ExportAMQPURL, "AMQP broker URL for RouterEvent export (disabled if empty)")
	fs.String("export_amqp_exchange", d.ExportAMQPExchange, "AMQP exchange RouterEvents are published to")
}

// Watcher hot-reloads only the log level (§6.5: "Reload is a soft
// reconfigure (log level only); it does not restart the router state"),
// backed by fsnotify the way the teacher's go.mod pulls it in for viper's
// own WatchConfig plumbing.
type Watcher struct {
	v        *viper.Viper
	onReload func(level string)
}

// WatchLogLevel starts watching configFile for changes, invoking onReload
// with the newly parsed log_level each time the file changes.
func WatchLogLevel(configFile string, onReload func(level string)) (*Watcher, error) {
	if configFile == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", configFile, err)
	}
	w := &Watcher{v: v, onReload: onReload}
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config file changed, reloading log level", slog.String("file", e.Name))
		onReload(v.GetString("log_level"))
	})
	v.WatchConfig()
	return w, nil
}
