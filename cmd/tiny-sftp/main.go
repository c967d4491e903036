package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.sr.ht/~spc/go-log"

	"github.com/Lkisever/tiny-sftp/internal/batch"
	"github.com/Lkisever/tiny-sftp/internal/config"
	"github.com/Lkisever/tiny-sftp/internal/probe"
	"github.com/Lkisever/tiny-sftp/internal/retry"
	"github.com/Lkisever/tiny-sftp/internal/session"
	"github.com/Lkisever/tiny-sftp/internal/tasklist"
	"github.com/Lkisever/tiny-sftp/internal/telemetry"
	"github.com/Lkisever/tiny-sftp/internal/transfer"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	listPath := flag.String("list", "", "path to the CSV task list (overrides SFTP_FILE_LIST_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("[BOOT] Failed to load config from %q: %v", *configPath, err)
		return batch.ExitConfig
	}
	if *listPath != "" {
		cfg.Tasks.FileListPath = *listPath
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("[BOOT] Invalid configuration: %v", err)
		return batch.ExitConfig
	}
	log.SetLevel(cfg.LogLevel())

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Warnf("[BOOT] Telemetry disabled: %v", err)
		tel = telemetry.Noop()
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			log.Warnf("[BOOT] Telemetry shutdown: %v", err)
		}
	}()

	tasks, err := tasklist.Load(cfg.Tasks.FileListPath)
	if err != nil {
		log.Errorf("[BOOT] Failed to load task list: %v", err)
		return batch.ExitConfig
	}

	policy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		Backoff:         cfg.Retry.Backoff,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
	}
	engine := transfer.NewEngine(policy,
		transfer.WithTracer(tel.Tracer),
		transfer.WithMeter(tel.Meter),
		transfer.WithRateLimit(cfg.Transfer.RatePerSecond),
	)

	dialer := session.NewDialer(session.Config{
		Addr:                   cfg.Addr(),
		User:                   cfg.Remote.Username,
		PrivateKeyPath:         cfg.Auth.PrivateKeyPath,
		PreferredKeyAlgorithms: cfg.Auth.PreferredKeyAlgorithms,
		KnownHostsPath:         cfg.Session.KnownHostsPath,
		Timeout:                cfg.Session.ConnectTimeout,
	})

	runner := batch.NewRunner(probe.New(cfg.Probe.Timeout), dialer, engine,
		cfg.Remote.Host, cfg.Remote.Port,
		batch.WithTracer(tel.Tracer),
		batch.WithAuditPath(cfg.Audit.StoragePath),
	)

	log.Infof("[BOOT] tiny-sftp fetching %d file(s) from %s as %s", len(tasks), cfg.Addr(), cfg.Remote.Username)
	log.Infof("[BOOT] Retry: %d attempt(s), %s backoff", engine.Policy().MaxAttempts, engine.Policy().Backoff)

	report := runner.Run(ctx, tasks)
	printReport(report)

	return batch.ExitCode(report)
}

func printReport(report transfer.Report) {
	for i, res := range report.Results {
		if res.Status == transfer.StatusSucceeded {
			log.Infof("[REPORT] %d. %s: %s (attempts: %d)", i+1, res.Task, res.Status, res.Attempts)
			continue
		}
		log.Errorf("[REPORT] %d. %s: %s (attempts: %d): %s", i+1, res.Task, res.Status, res.Attempts, res.Reason())
	}
}
