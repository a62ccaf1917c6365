package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/hub"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/mock"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to config file")
	port := flag.IntP("port", "p", 0, "Override server port")
	mockMode := flag.Bool("mock", false, "Drive the fleet with generated events")
	genToken := flag.Bool("generate-token", false, "Require a random auth token and print it")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *mockMode {
		cfg.Mock.Enabled = true
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	if *genToken && cfg.Server.AuthToken == "" {
		token, err := config.GenerateToken()
		if err != nil {
			log.WithError(err).Fatal("generate token")
		}
		cfg.Server.AuthToken = token
		fmt.Printf("auth token: %s\n", token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fleet := hub.NewFleet()
	server := hub.NewServer(cfg.Server, fleet, log)

	if cfg.Mock.Enabled {
		log.WithField("namespace", cfg.Mock.Namespace).Info("starting in mock mode")
		mock.NewGenerator(cfg.Mock, fleet, server, log).Start(ctx)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		log.WithError(err).Fatal("server error")
	}
	log.Info("shut down")
}
