package main

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/namespace"
	"github.com/infinibay/rtsync/internal/realtime"
	"github.com/infinibay/rtsync/internal/transport"
	"github.com/infinibay/rtsync/internal/tui/app"
	"github.com/infinibay/rtsync/internal/tui/bridge"
	"github.com/infinibay/rtsync/internal/tui/client"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to config file")
	wsURL := flag.String("url", "", "WebSocket URL of the push hub")
	token := flag.String("token", "", "Bearer token")
	ns := flag.String("namespace", "", "Namespace to bind (defaults to the token's claim)")
	logFile := flag.String("log-file", "", "Write logs here instead of discarding them")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rtsync-tui [flags] [vm-id ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fatal("load config", err)
	}
	if *wsURL != "" {
		cfg.Client.URL = *wsURL
	}
	if *token != "" {
		cfg.Client.Token = *token
	}
	if *ns != "" {
		cfg.Client.Namespace = *ns
	}

	var out io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fatal("open log file", err)
		}
		defer f.Close()
		out = f
	}
	log, err := logging.NewWithOutput(cfg.Log, out)
	if err != nil {
		fatal("configure logging", err)
	}

	storage, closeStorage := openStorage(cfg.Namespace)
	defer closeStorage()
	guard := namespace.NewGuard(storage, cfg.Namespace.ReconcileInterval, log)

	dialer := transport.NewWSDialer(transport.Options{
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		WriteTimeout:     cfg.Connection.WriteTimeout,
		PongTimeout:      cfg.Connection.PongTimeout,
		PingInterval:     cfg.Connection.PingInterval,
		Log:              log,
	})

	store := bridge.NewStore()
	b := bridge.New(store, log)

	opts := realtime.OptionsFromConfig(cfg)
	opts.Store = b
	opts.Notifier = b
	opts.OnStatus = b.Status
	opts.Log = log
	engine := realtime.NewEngine(dialer, guard, opts)

	vms := flag.Args()
	if len(vms) == 0 {
		vms = cfg.Mock.VMs
	}
	auth := namespace.Auth{IsLoggedIn: true, Token: cfg.Client.Token, Namespace: cfg.Client.Namespace}
	rest := client.NewHTTPClient(client.HTTPBase(cfg.Client.URL), cfg.Client.Token)
	session := app.NewSession(engine, b, rest, auth, vms, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(app.New(session, store), tea.WithAltScreen())
	go b.Run(ctx, p)

	if _, err := p.Run(); err != nil {
		session.Close()
		fatal("run", err)
	}
	if n := b.Dropped(); n > 0 {
		log.WithField("dropped", n).Warn("ui messages dropped")
	}
}

// openStorage picks the namespace backend named in config.
func openStorage(cfg config.NamespaceConfig) (namespace.Storage, func()) {
	switch cfg.Storage {
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return namespace.NewRedisStorage(rdb, cfg.RedisKey), func() { _ = rdb.Close() }
	case config.StorageMemory:
		return namespace.NewMemoryStorage(), func() {}
	default:
		return namespace.NewFileStorage(cfg.StateDir), func() {}
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", what, err)
	os.Exit(1)
}
