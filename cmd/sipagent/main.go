package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/sipagent/internal/agent"
	"github.com/sebas/sipagent/internal/agent/config"
	"github.com/sebas/sipagent/internal/api"
	"github.com/sebas/sipagent/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	a := agent.New(cfg)
	defer a.Shutdown()

	apiServer := api.NewServer(a, fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort))
	if err := apiServer.Start(); err != nil {
		slog.Error("Failed to start API server", "error", err)
		os.Exit(1)
	}
	defer apiServer.Stop()

	run(cfg)
}

func run(cfg *config.Config) {
	slog.Info("Starting SIP Agent",
		"sip_port", cfg.SIPPort,
		"bind", cfg.BindAddr,
		"http_port", cfg.HTTPPort,
	)
	logNetworkInterfaces()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	time.Sleep(1 * time.Second)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
