// Command smtpd runs the mailpipe SMTP capture daemon: it accepts inbound
// mail, extracts metadata, and fans it out to the configured sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/mailpipe/mailpipe/internal/admin"
	"github.com/mailpipe/mailpipe/internal/config"
	"github.com/mailpipe/mailpipe/internal/logger"
	"github.com/mailpipe/mailpipe/internal/parser"
	"github.com/mailpipe/mailpipe/internal/repository"
	"github.com/mailpipe/mailpipe/internal/sink"
	"github.com/mailpipe/mailpipe/internal/smtp"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (env vars override)")
		host       = flag.String("host", "", "listen address (overrides config)")
		port       = flag.Int("port", 0, "listen port (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if err := run(*configPath, *host, *port, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "smtpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, host string, port int, debug bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if host != "" {
		cfg.SMTP.Host = host
	}
	if port != 0 {
		cfg.SMTP.Port = port
	}
	if debug {
		cfg.SMTP.Debug = true
		cfg.Logging.Level = "debug"
	}

	log := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(log)

	var db *sqlx.DB
	var msgRepo *repository.MessageRepo
	if cfg.Sinks.SaveToDatabase {
		db, err = sqlx.Connect("pgx", cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		msgRepo = repository.NewMessageRepo(db)
		log.Info("connected to database",
			slog.String("host", cfg.Database.Host),
			slog.String("dbname", cfg.Database.DBName),
		)
	}

	sinks, closeSinks, err := buildSinks(cfg, msgRepo, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	fanout := sink.NewFanout(sinks, cfg.PrimarySink(), log)
	if fanout.Empty() {
		log.Warn("no sinks configured, messages will be accepted and discarded")
	} else {
		log.Info("sinks configured", slog.String("primary", fanout.Primary()))
	}

	var auth *smtp.Authenticator
	if cfg.Auth.Enabled {
		check := smtp.StaticCredentials(cfg.Auth.Users)
		if check == nil {
			return fmt.Errorf("auth enabled but no users configured")
		}
		auth = smtp.NewAuthenticator(check, cfg.Auth.AllowedUsers)
	}

	msgParser := parser.NewEmailParser(cfg.SMTP.Hostname, cfg.Sinks.MaxBodyBytes)

	server := smtp.NewServer(&smtp.Config{
		Host:                cfg.SMTP.Host,
		Port:                cfg.SMTP.Port,
		Hostname:            cfg.SMTP.Hostname,
		MaxConnections:      cfg.SMTP.MaxConnections,
		MaxConnectionsPerIP: cfg.SMTP.MaxConnectionsPerIP,
		MaxMessageSize:      cfg.SMTP.MaxMessageSize,
		MaxLineLength:       cfg.SMTP.MaxLineLength,
		MaxRecipients:       cfg.SMTP.MaxRecipients,
		IdleTimeout:         cfg.SMTP.IdleTimeout,
		DataTimeout:         cfg.SMTP.DataTimeout,
		ShutdownGrace:       cfg.SMTP.ShutdownGrace,
		MaxAuthFailures:     cfg.SMTP.MaxAuthFailures,
		MaxBadCommands:      cfg.SMTP.MaxBadCommands,
		AllowedDomains:      cfg.SMTP.AllowedDomains,
		RateLimit:           cfg.SMTP.RateLimit,
		RateLimitWindow:     cfg.SMTP.RateLimitWindow,
	}, auth, fanout, msgParser, log)

	if err := server.Start(); err != nil {
		return err
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		var counter admin.MessageCounter
		if msgRepo != nil {
			counter = msgRepo
		}
		adminServer = admin.NewServer(cfg.Admin.Listen, server, counter, log)
		go func() {
			if err := adminServer.Start(); err != nil {
				log.Error("admin server failed", slog.String("error", err.Error()))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", slog.String("signal", sig.String()))

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminServer.Stop(ctx)
		cancel()
	}

	if err := server.Stop(); err != nil {
		return err
	}

	stats := server.Stats()
	log.Info("final stats",
		slog.Uint64("emails_received", stats.EmailsReceived),
		slog.Uint64("emails_processed", stats.EmailsProcessed),
		slog.Uint64("emails_failed", stats.EmailsFailed),
	)
	return nil
}

// buildSinks assembles the configured sinks in primary-resolution order. The
// returned cleanup closes sinks that hold file handles.
func buildSinks(cfg *config.Config, msgRepo *repository.MessageRepo, log *slog.Logger) ([]sink.Sink, func(), error) {
	var sinks []sink.Sink
	var closers []func()

	if cfg.Sinks.SaveToDatabase {
		sinks = append(sinks, sink.NewDatabaseSink(msgRepo, 5*time.Second, log))
	}
	if cfg.Sinks.LogToFile {
		fileSink, err := sink.NewFileSink(cfg.Sinks.LogFile, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sink log file: %w", err)
		}
		sinks = append(sinks, fileSink)
		closers = append(closers, func() { fileSink.Close() })
	}
	if cfg.Sinks.ForwardToWebhook {
		sinks = append(sinks, sink.NewWebhookSink(cfg.Sinks.WebhookURL, cfg.Sinks.WebhookTimeout, log))
	}

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return sinks, cleanup, nil
}
