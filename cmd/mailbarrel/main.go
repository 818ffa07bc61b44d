package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailbarrel/mailbarrel/internal/audit"
	"github.com/mailbarrel/mailbarrel/internal/config"
	"github.com/mailbarrel/mailbarrel/internal/events"
	"github.com/mailbarrel/mailbarrel/internal/logger"
	"github.com/mailbarrel/mailbarrel/internal/rules"
	"github.com/mailbarrel/mailbarrel/internal/smtp"
	"github.com/mailbarrel/mailbarrel/internal/store"
	"github.com/mailbarrel/mailbarrel/internal/tasks"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(appLogger)

	appLogger.Info("Starting mailbarrel",
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.String("hostname", cfg.Server.Hostname),
		slog.String("store_dir", cfg.Store.Dir),
	)

	messageStore, err := store.NewFileStore(cfg.Store.Dir)
	if err != nil {
		appLogger.Error("Failed to open message store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	auditLog, err := setupAudit(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to open audit log", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	bus := events.NewBus()

	server, err := setupServer(cfg, messageStore, auditLog, bus, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize SMTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// A settings change republishes the endpoint; rebind on it.
	unsubscribeRebind := bus.Subscribe(events.TypeSettingsUpdated, func(event events.Event) {
		endpoint, ok := event.Payload.(smtp.EndpointDefinition)
		if !ok {
			appLogger.Error("settings event carried unexpected payload")
			return
		}
		if err := server.Listen(endpoint); err != nil {
			appLogger.Error("Failed to rebind listener", slog.String("error", err.Error()))
		}
	})
	defer unsubscribeRebind()

	taskRunner := tasks.NewRunner(appLogger)
	taskRunner.Start()

	ruleRunner, ruleStore, err := setupRules(cfg, messageStore, taskRunner, bus, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize rule engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	unsubscribeMessages := ruleRunner.SubscribeToMessages(bus)
	defer unsubscribeMessages()
	unsubscribeSync := ruleStore.SyncOnChange(bus, ruleRunner.Rules)
	defer unsubscribeSync()
	ruleRunner.StartPeriodic()

	endpoint, err := buildEndpoint(cfg)
	if err != nil {
		appLogger.Error("Invalid listener endpoint", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := server.Listen(endpoint); err != nil {
		appLogger.Error("Failed to start SMTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go serveMetrics(addr, server, appLogger)
	}

	appLogger.Info("mailbarrel started",
		slog.String("endpoint", endpoint.String()),
		slog.Int("rules", len(ruleRunner.Rules())),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down mailbarrel...")

	ruleRunner.StopPeriodic()
	server.Stop()
	taskRunner.Stop(10 * time.Second)

	appLogger.Info("mailbarrel stopped gracefully")
}

// loadConfig loads from CONFIG_FILE when set, falling back to pure
// environment configuration.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupAudit opens the receipt log when a driver is configured.
func setupAudit(cfg *config.Config, log *slog.Logger) (*audit.Log, error) {
	if cfg.Audit.Driver == "off" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	auditLog, err := audit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return nil, err
	}

	log.Info("Audit log connected", slog.String("driver", cfg.Audit.Driver))
	return auditLog, nil
}

// setupServer wires the message handler and session factory into a server.
func setupServer(cfg *config.Config, messageStore *store.FileStore, auditLog *audit.Log, bus *events.Bus, log *slog.Logger) (*smtp.Server, error) {
	smtpConfig := &smtp.Config{
		Hostname:          cfg.Server.Hostname,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
		MaxRecipients:     smtp.DefaultConfig().MaxRecipients,
		ConnectionTimeout: cfg.Server.ConnectionTimeout,
	}

	var recorder smtp.ReceiptRecorder
	if auditLog != nil {
		recorder = auditLog
	}
	handler := smtp.NewMessageHandler(messageStore, recorder, bus, log)

	factory := func(conn net.Conn) *smtp.Session {
		return smtp.NewSession(conn, smtpConfig, handler, log)
	}

	return smtp.NewServer(factory, bus, log), nil
}

// setupRules loads the persisted rule set and builds the dispatch runner.
func setupRules(cfg *config.Config, messageStore *store.FileStore, taskRunner *tasks.Runner, bus *events.Bus, log *slog.Logger) (*rules.Runner, *rules.Store, error) {
	registry, err := rules.NewRegistry(messageStore, messageStore, log)
	if err != nil {
		return nil, nil, err
	}

	ruleStore := rules.NewStore(cfg.Rules.Path, log)
	ruleSet, err := ruleStore.LoadRules()
	if err != nil {
		return nil, nil, err
	}

	runner := rules.NewRunner(registry, taskRunner, cfg.Rules.DispatchDelay, cfg.Rules.PeriodicInterval, log)
	runner.SetRules(ruleSet)

	log.Info("Rule set loaded",
		slog.String("path", cfg.Rules.Path),
		slog.Int("rules", len(ruleSet)),
	)
	return runner, ruleStore, nil
}

// buildEndpoint converts the listener configuration into an endpoint,
// with implicit TLS when a certificate pair is configured.
func buildEndpoint(cfg *config.Config) (smtp.EndpointDefinition, error) {
	if cfg.Server.TLSConfigured() {
		return smtp.NewTLSEndpointFromFiles(
			cfg.Server.Address, cfg.Server.Port,
			cfg.Server.CertFile, cfg.Server.KeyFile,
		)
	}
	return smtp.NewEndpoint(cfg.Server.Address, cfg.Server.Port)
}

// serveMetrics exposes Prometheus metrics and a health snapshot.
func serveMetrics(addr string, server *smtp.Server, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := server.HealthCheck()
		w.Header().Set("Content-Type", "application/json")
		if !health.Active {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	log.Info("Metrics listener bound", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("Metrics listener failed", slog.String("error", err.Error()))
	}
}
