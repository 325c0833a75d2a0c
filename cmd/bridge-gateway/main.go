// Package main is the coordination kernel's HTTP entry point: it wires the
// event log, dispatcher, elicitation coordinator, and gateway together and
// serves them over HTTP until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentbridge/bridge/bridge"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/pkg/config"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewFromEnv("bridge-gateway")

	if strings.TrimSpace(cfg.Bridge.MasterSecret) == "" {
		log.Fatalf("CRITICAL: BRIDGE_MASTER_SECRET is required to derive elicitation response keys")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		log.Fatalf("CRITICAL: AUTH_JWT_SECRET is required to issue and validate session tokens")
	}

	k, err := bridge.New(cfg, logger)
	if err != nil {
		log.Fatalf("construct kernel: %v", err)
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if err := k.Start(rootCtx); err != nil {
		log.Fatalf("start kernel: %v", err)
	}

	listenAddr := determineAddr(*addr, cfg)
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           k.Gateway.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info(rootCtx, fmt.Sprintf("bridge gateway listening on %s", listenAddr), nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(rootCtx, "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http shutdown", err, nil)
	}
	stopBackground()
	if err := k.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "kernel stop", err, nil)
	}
	if err := k.Close(); err != nil {
		logger.Error(shutdownCtx, "kernel close", err, nil)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if addr := strings.TrimSpace(flagAddr); addr != "" {
		return addr
	}
	host := strings.TrimSpace(cfg.Server.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
