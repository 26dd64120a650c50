package config

import (
	"flag"
	"net"
	"os"
	"strconv"

	"github.com/sebas/sipagent/internal/media"
)

// Config holds the agent configuration
type Config struct {
	// SIP settings
	SIPPort  int
	BindAddr string
	UASHost  string
	LogLevel string

	// HTTP control surface
	HTTPPort int

	// Call notification collaborator base URL, empty disables notifications
	NotifyURL string

	// Greeting WAV played into answered outbound calls
	GreetingFile string

	// Digest credentials for registration challenges
	AuthUser     string
	AuthPassword string

	// Worker pool sizing per client
	PoolMinWorkers int
	PoolMaxWorkers int
	PoolQueueSize  int
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.SIPPort, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "", "SIP bind address (auto-detected if not set)")
	flag.StringVar(&cfg.UASHost, "uas", "", "Destination host for outbound INVITEs (host or host:port)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.HTTPPort, "http", 8080, "HTTP API listening port")
	flag.StringVar(&cfg.NotifyURL, "notify", "", "Base URL for call event notifications")
	flag.StringVar(&cfg.GreetingFile, "greeting", "", "Path to greeting WAV file")
	flag.IntVar(&cfg.PoolMinWorkers, "pool-min", 2, "Minimum call workers per client")
	flag.IntVar(&cfg.PoolMaxWorkers, "pool-max", 8, "Maximum call workers per client")
	flag.IntVar(&cfg.PoolQueueSize, "pool-queue", 32, "Call worker queue size per client")

	flag.Parse()

	// Override with environment variables if set
	if port := os.Getenv("SIP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if uas := os.Getenv("UAS_HOST"); uas != "" {
		cfg.UASHost = uas
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTPPort = p
		}
	}
	if url := os.Getenv("NOTIFY_URL"); url != "" {
		cfg.NotifyURL = url
	}
	if greeting := os.Getenv("GREETING_FILE"); greeting != "" {
		cfg.GreetingFile = greeting
	}
	cfg.AuthUser = os.Getenv("SIP_AUTH_USER")
	cfg.AuthPassword = os.Getenv("SIP_AUTH_PASSWORD")

	if cfg.BindAddr == "" || !isValidAddress(cfg.BindAddr) {
		cfg.BindAddr = detectBindAddress()
	}
	return cfg
}

func isValidAddress(addr string) bool {
	return net.ParseIP(addr) != nil
}

func detectBindAddress() string {
	if ip := media.SelectLocalIP(); ip != nil {
		return ip.String()
	}
	return "0.0.0.0"
}
