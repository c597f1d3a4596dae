package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/robctl/internal/auth"
	"github.com/danmuck/robctl/internal/controller"
	"github.com/danmuck/robctl/internal/transport"
	"github.com/spf13/pflag"
)

const (
	backendSimulated = "simulated"
	backendHardware  = "hardware"
)

var errInvalidDaemonConfig = errors.New("robotd: invalid config")

type simulatedConfig struct {
	DescriptionPath string
	Latency         time.Duration
	FailOps         []string
}

type hardwareConfig struct {
	Address            string
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
}

// daemonConfig is everything robotd needs to start one controller.
type daemonConfig struct {
	Controller  controller.Config
	ListenAddr  string
	StatusAddr  string
	Backend     string
	Simulated   simulatedConfig
	Hardware    hardwareConfig
	Transport   transport.Config
	AuthSecret  string
	AuthIssuer  string
	AuthToken   string
	LogFile     string
	CORSOrigins []string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Controller: controller.DefaultConfig(),
		ListenAddr: "127.0.0.1:7400",
		StatusAddr: "127.0.0.1:7401",
		Backend:    backendSimulated,
		Transport:  transport.DefaultConfig(),
		AuthIssuer: "robotd",
	}
}

// robotd config.toml key mapping.
type fileConfig struct {
	ID             string   `toml:"id"`
	ListenAddr     string   `toml:"listen_addr"`
	StatusAddr     string   `toml:"status_addr"`
	Backend        string   `toml:"backend"`
	BackendTimeout string   `toml:"backend_timeout"`
	QueueDepth     int      `toml:"queue_depth"`
	HistoryLimit   int      `toml:"history_limit"`
	ReadTimeout    string   `toml:"read_timeout"`
	WriteTimeout   string   `toml:"write_timeout"`
	AuthSecret     string   `toml:"auth_secret"`
	AuthIssuer     string   `toml:"auth_issuer"`
	AuthToken      string   `toml:"auth_token"`
	LogFile        string   `toml:"log_file"`
	CORSOrigins    []string `toml:"cors_origins"`

	Simulated struct {
		Description string   `toml:"description"`
		Latency     string   `toml:"latency"`
		FailOps     []string `toml:"fail_ops"`
	} `toml:"simulated"`

	Hardware struct {
		Address            string `toml:"address"`
		ConnectTimeout     string `toml:"connect_timeout"`
		MaxConnectAttempts int    `toml:"max_connect_attempts"`
	} `toml:"hardware"`

	TLS struct {
		SecurityMode       string `toml:"security_mode"`
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		CAFile             string `toml:"ca_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`
}

// loadDaemonConfig overlays the TOML file at path onto the defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load robotd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load robotd config: unknown key %q", undecoded[0].String())
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"backend_timeout"}, raw.BackendTimeout, &cfg.Controller.BackendTimeout},
		{[]string{"read_timeout"}, raw.ReadTimeout, &cfg.Transport.ReadTimeout},
		{[]string{"write_timeout"}, raw.WriteTimeout, &cfg.Transport.WriteTimeout},
		{[]string{"simulated", "latency"}, raw.Simulated.Latency, &cfg.Simulated.Latency},
		{[]string{"hardware", "connect_timeout"}, raw.Hardware.ConnectTimeout, &cfg.Hardware.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load robotd config: %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("id") {
		cfg.Controller.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("backend") {
		cfg.Backend = strings.ToLower(strings.TrimSpace(raw.Backend))
	}
	if meta.IsDefined("queue_depth") {
		cfg.Controller.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("history_limit") {
		cfg.Controller.HistoryLimit = raw.HistoryLimit
	}
	if meta.IsDefined("auth_secret") {
		cfg.AuthSecret = raw.AuthSecret
	}
	if meta.IsDefined("auth_issuer") {
		cfg.AuthIssuer = strings.TrimSpace(raw.AuthIssuer)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = raw.AuthToken
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("simulated", "description") {
		cfg.Simulated.DescriptionPath = strings.TrimSpace(raw.Simulated.Description)
	}
	if meta.IsDefined("simulated", "fail_ops") {
		cfg.Simulated.FailOps = raw.Simulated.FailOps
	}
	if meta.IsDefined("hardware", "address") {
		cfg.Hardware.Address = strings.TrimSpace(raw.Hardware.Address)
	}
	if meta.IsDefined("hardware", "max_connect_attempts") {
		cfg.Hardware.MaxConnectAttempts = raw.Hardware.MaxConnectAttempts
	}
	if meta.IsDefined("tls", "security_mode") {
		cfg.Transport.SecurityMode = transport.SecurityMode(strings.TrimSpace(raw.TLS.SecurityMode))
	}
	if meta.IsDefined("tls", "enabled") {
		cfg.Transport.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.Transport.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.Transport.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.Transport.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.Transport.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Transport.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Transport.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	return cfg, nil
}

type daemonFlags struct {
	configPath string
	id         string
	listenAddr string
	statusAddr string
	backend    string
	logFile    string
	hwAddr     string
}

func (f *daemonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "path to robotd TOML config")
	fs.StringVar(&f.id, "id", "", "robot id used in logs, metrics and status")
	fs.StringVar(&f.listenAddr, "listen", "", "control protocol listen address")
	fs.StringVar(&f.statusAddr, "status", "", "status HTTP listen address (empty string disables)")
	fs.StringVar(&f.backend, "backend", "", "robot backend: simulated or hardware")
	fs.StringVar(&f.logFile, "log-file", "", "also write logs to this rotated file")
	fs.StringVar(&f.hwAddr, "hardware-addr", "", "robot driver address for the hardware backend")
}

// resolveConfig parses args, loads the config file if one was named and
// applies explicitly set flags on top.
func resolveConfig(fs *pflag.FlagSet, args []string) (daemonConfig, error) {
	var flags daemonFlags
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return daemonConfig{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return daemonConfig{}, fmt.Errorf("%w: unexpected argument %q", errInvalidDaemonConfig, rest[0])
	}

	cfg := defaultDaemonConfig()
	if path := strings.TrimSpace(flags.configPath); path != "" {
		loaded, err := loadDaemonConfig(path)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg = loaded
	}

	if fs.Changed("id") {
		cfg.Controller.ID = strings.TrimSpace(flags.id)
	}
	if fs.Changed("listen") {
		cfg.ListenAddr = strings.TrimSpace(flags.listenAddr)
	}
	if fs.Changed("status") {
		cfg.StatusAddr = strings.TrimSpace(flags.statusAddr)
	}
	if fs.Changed("backend") {
		cfg.Backend = strings.ToLower(strings.TrimSpace(flags.backend))
	}
	if fs.Changed("log-file") {
		cfg.LogFile = strings.TrimSpace(flags.logFile)
	}
	if fs.Changed("hardware-addr") {
		cfg.Hardware.Address = strings.TrimSpace(flags.hwAddr)
	}

	cfg.Controller = cfg.Controller.WithDefaults()
	cfg.Transport = cfg.Transport.WithDefaults()
	if err := cfg.validate(); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

func (c daemonConfig) validate() error {
	if err := c.Controller.Validate(); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is required", errInvalidDaemonConfig)
	}
	switch c.Backend {
	case backendSimulated:
	case backendHardware:
		if c.Hardware.Address == "" {
			return fmt.Errorf("%w: hardware.address is required for the hardware backend", errInvalidDaemonConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", errInvalidDaemonConfig, c.Backend)
	}
	if c.AuthSecret != "" && c.AuthToken != "" {
		return fmt.Errorf("%w: auth_secret and auth_token are mutually exclusive", errInvalidDaemonConfig)
	}
	return c.Transport.ValidateServer()
}

// validator returns nil when requests are not authenticated.
func (c daemonConfig) validator() (auth.Validator, error) {
	switch {
	case c.AuthSecret != "":
		v, err := auth.NewHS256(c.AuthSecret, c.AuthIssuer)
		if err != nil {
			return nil, err
		}
		return v, nil
	case c.AuthToken != "":
		return auth.StaticToken{Token: c.AuthToken}, nil
	default:
		return nil, nil
	}
}
