package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lingocast/internal/auth"
	"lingocast/internal/broadcast"
	"lingocast/internal/config"
	"lingocast/internal/control"
	"lingocast/internal/dashboard"
	"lingocast/internal/naming"
	"lingocast/internal/ratelimit"
	"lingocast/internal/session"
	"lingocast/internal/storage"
	"lingocast/internal/telemetry"
	"lingocast/internal/validate"
	"lingocast/internal/websocket"
)

func main() {
	configPath := flag.String("config", "configs/lingocast.yaml", "path to config file")
	generatePath := flag.String("generate-config", "", "write an example config to this path and exit")
	flag.Parse()

	if *generatePath != "" {
		if err := config.WriteExample(*generatePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("wrote", *generatePath)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("starting lingocast",
		"version", "0.1.0",
		"listen", cfg.Server.Addr(),
		"control", cfg.Server.ControlAddr(),
		"store", cfg.Store.Backend,
	)

	// Initialize the session state store based on configuration
	var store session.Store
	var redisStore *session.RedisStore
	var badgerStore *session.BadgerStore

	switch cfg.Store.Backend {
	case "redis":
		redisStore, err = session.NewRedisStore(session.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("using Redis session store", "addr", cfg.Store.Redis.Addr)
	case "badger":
		badgerStore, err = session.NewBadgerStore(session.BadgerConfig{Path: cfg.Store.Badger.Path})
		if err != nil {
			slog.Error("failed to open Badger store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
	default:
		store = session.NewMemoryStore()
		slog.Info("using in-memory session store")
	}

	manager := session.NewManager(store)

	// Initialize the history archive
	var history *storage.HistoryStore
	var archiver *storage.Archiver
	if cfg.History.Enabled {
		dataDir := filepath.Dir(cfg.History.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}

		history, err = storage.NewHistoryStore(cfg.History.Path)
		if err != nil {
			slog.Error("failed to initialize history archive", "error", err)
			os.Exit(1)
		}
		archiver = storage.NewArchiver(history, 256)

		// Sweeper-expired sessions reach the archive through the manager.
		manager.SetSessionEndCallback(archiver.SessionEnded)
		slog.Info("history archive enabled",
			"path", cfg.History.Path,
			"retention_days", cfg.History.RetentionDays,
		)
	}

	// Initialize telemetry (graceful degradation if initialization fails)
	tp, err := telemetry.NewProvider(cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without it", "error", err)
		tp = nil
	}
	metrics := telemetry.NopMetrics()
	var metricsHandler http.Handler
	if tp != nil {
		metrics = tp.Metrics()
		if cfg.Telemetry.Metrics.Enabled {
			metricsHandler = promhttp.Handler()
		}
	}

	authorizer := auth.NewAuthorizer(auth.Config{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		JWKSURL:  cfg.Auth.JWKSURL,
		TokenUse: cfg.Auth.TokenUse,
		CacheTTL: cfg.Auth.CacheTTL(),
	}, nil)

	var langSource validate.Source
	if cfg.Languages.Source == "http" {
		langSource = validate.NewHTTPSource(cfg.Languages.Endpoint, nil)
		slog.Info("language support from capability endpoint", "endpoint", cfg.Languages.Endpoint)
	} else {
		langSource = validate.NewStaticSource(cfg.Languages.Pairs)
	}
	languages := validate.NewLanguageSupport(langSource, cfg.Languages.CacheTTL(), cfg.Languages.LookupBudget())

	generator := naming.NewGenerator(
		naming.WithWordLists(cfg.IDGenerator.Adjectives, cfg.IDGenerator.Nouns),
		naming.WithBlacklist(cfg.IDGenerator.Blacklist),
		naming.WithMaxAttempts(cfg.IDGenerator.MaxAttempts),
	)

	// Runtime settings persist next to the history archive.
	settings, err := config.NewSettingsStore(filepath.Dir(cfg.History.Path), cfg.RuntimeDefaults())
	if err != nil {
		slog.Error("failed to load runtime settings", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(store, func(op ratelimit.Op) ratelimit.Window {
		rt := settings.Runtime()
		if op == ratelimit.OpCreateSession {
			return ratelimit.Window{Limit: rt.CreateLimit, Window: rt.CreateWindow, FailClosed: true}
		}
		return ratelimit.Window{Limit: rt.JoinLimit, Window: rt.JoinWindow}
	})

	registry := broadcast.NewRegistry(cfg.Broadcast.SendTimeout())

	wsConfig := websocket.HandlerConfig{
		Store:      store,
		Registry:   registry,
		Authorizer: authorizer,
		Limiter:    limiter,
		Generator:  generator,
		Languages:  languages,
		Metrics:    metrics,

		MaxListeners:      func() int64 { return settings.Runtime().MaxListeners },
		BroadcastParallel: func() int { return settings.Runtime().BroadcastParallel },

		MaxConnDuration:   cfg.Connection.MaxDuration(),
		WarningAge:        cfg.Connection.WarningAge(),
		Retention:         cfg.Session.Retention(),
		AdmissionDeadline: cfg.Admission.Deadline(),
		StoreOpTimeout:    cfg.Store.OpTimeout(),
		SendTimeout:       cfg.Broadcast.SendTimeout(),
		PingInterval:      30 * time.Second,
		IPHashSalt:        cfg.IPHashSalt,
	}
	if archiver != nil {
		wsConfig.OnEvent = archiver.RecordEvent
		wsConfig.OnSessionEnd = archiver.SessionEnded
	}
	wsHandler := websocket.NewHandler(wsConfig)

	// Start the session sweeper and archive retention
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)
	if history != nil {
		go historyRetention(ctx, history, cfg.History.RetentionDays)
	}

	// Initialize the operator API
	var controlHandler *control.Handler
	if cfg.Control.Enabled {
		controlHandler = control.New(control.Config{
			Store:     store,
			Manager:   manager,
			Ender:     wsHandler,
			History:   history,
			Settings:  settings,
			Metrics:   metricsHandler,
			Dashboard: dashboard.New(),
			Policy: control.ConnectionPolicy{
				MaxDurationSec: cfg.Connection.MaxDurationSec,
				WarningSec:     cfg.Connection.WarningSec,
				RefreshSec:     cfg.Connection.RefreshSec,
			},
			RateLimitPerMin: cfg.Control.RateLimitPerMin,
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)

	// Setup HTTP servers
	publicServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // connections are long-lived after the upgrade
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if controlHandler != nil {
		controlServer = &http.Server{
			Addr:         cfg.Server.ControlAddr(),
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	// Start servers
	errChan := make(chan error, 2)

	if cfg.Server.TLS.Enabled() {
		tlsConfig, err := setupTLS(cfg.Server.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		publicServer.TLSConfig = tlsConfig
	}

	go func() {
		if publicServer.TLSConfig != nil {
			slog.Info("public server starting (HTTPS)", "addr", cfg.Server.Addr())
			if err := publicServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("public server error: %w", err)
			}
		} else {
			slog.Info("public server starting (HTTP)", "addr", cfg.Server.Addr())
			if err := publicServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("public server error: %w", err)
			}
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Server.ControlAddr())
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down")
	cancel() // stop the sweeper and retention loop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("public server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	// End every live session so connected clients get a sessionEnded
	// frame instead of a dropped transport.
	endActiveSessions(shutdownCtx, store, wsHandler)

	// Drain the archive queue before closing its store.
	if archiver != nil {
		archiver.Close()
	}

	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}
	}
	if badgerStore != nil {
		if err := badgerStore.Close(); err != nil {
			slog.Error("Badger close error", "error", err)
		}
	}
	if history != nil {
		if err := history.Close(); err != nil {
			slog.Error("history close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("lingocast stopped")
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// endActiveSessions runs the terminal cascade for every live session so
// shutdown looks like an operator end, not a crash.
func endActiveSessions(ctx context.Context, store session.Store, ender *websocket.Handler) {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		slog.Error("shutdown: listing sessions failed", "error", err)
		return
	}

	ended := 0
	for i := range sessions {
		if !sessions[i].IsActive {
			continue
		}
		if err := ender.EndSession(ctx, sessions[i].SessionID, session.EndReasonOperatorEnd); err != nil {
			slog.Warn("shutdown: ending session failed",
				"session_id", sessions[i].SessionID,
				"error", err,
			)
			continue
		}
		ended++
	}
	if ended > 0 {
		slog.Info("shutdown ended active sessions", "count", ended)
	}
}

// historyRetention prunes archived sessions and events past the
// retention horizon on an hourly cadence.
func historyRetention(ctx context.Context, store *storage.HistoryStore, days int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.Cleanup(days); err != nil {
				slog.Error("history cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("archived sessions pruned", "count", n)
			}
			if n, err := store.CleanupEvents(days); err != nil {
				slog.Error("event cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("archived events pruned", "count", n)
			}
		}
	}
}

// setupTLS builds the listener TLS config: a key pair from disk, or a
// self-signed certificate when auto_cert is set.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a throwaway development certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"lingocast development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
