package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type config struct {
	Addrs        []string      `yaml:"addrs"`
	UDPAddr      string        `yaml:"udp_addr"`
	ErqPath      string        `yaml:"erq_path"`
	MaxSessions  int           `yaml:"max_sessions"`
	IPCacheSize  int           `yaml:"ip_cache_size"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	LogLevel     string        `yaml:"log_level"`
}

var (
	configPath  = flag.String("config", getEnvDefault("HALCYON_CONFIG", ""), "path to yaml config file")
	addr        = flag.String("addr", getEnvDefault("HALCYON_ADDR", ":4242"), "address on which to listen")
	udpAddr     = flag.String("udp-addr", getEnvDefault("HALCYON_UDP_ADDR", ""), "datagram service port")
	erqPath     = flag.String("erq", getEnvDefault("HALCYON_ERQ", ""), "path to the erq helper program")
	maxSessions = flag.Int("max-sessions", 50, "session table capacity")
	logLevel    = flag.String("log-level", getEnvDefault("HALCYON_LOG_LEVEL", "info"), "log level")
)

// loadConfig reads the yaml file when one is given; flags set on the
// command line win over the file.
func loadConfig() (config, error) {
	cfg := config{
		MaxSessions: *maxSessions,
		Heartbeat:   2 * time.Second,
	}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return cfg, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrap(err, "parsing config file")
		}
	}
	if flag.CommandLine.Changed("addr") || len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{*addr}
	}
	if flag.CommandLine.Changed("udp-addr") || cfg.UDPAddr == "" {
		cfg.UDPAddr = *udpAddr
	}
	if flag.CommandLine.Changed("erq") || cfg.ErqPath == "" {
		cfg.ErqPath = *erqPath
	}
	if flag.CommandLine.Changed("max-sessions") {
		cfg.MaxSessions = *maxSessions
	}
	if flag.CommandLine.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, nil
}

func getEnvDefault(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defaultValue
}
