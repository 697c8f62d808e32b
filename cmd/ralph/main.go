// Command ralph drives the autonomous iteration engine: repeatedly
// composing a prompt from a backlog, spawning an assistant subprocess
// under supervision, classifying its output, and advancing the
// backlog until every story is complete or blocked.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ralph/internal/backlog"
	"ralph/internal/config"
	"ralph/internal/driver"
	"ralph/internal/history"
	"ralph/internal/logx"
	"ralph/internal/metrics"
	"ralph/internal/notify"
	"ralph/internal/pipeline"
	"ralph/internal/prompt"
	"ralph/internal/runloop"
	"ralph/internal/supervisor"
)

func main() {
	var configPath string
	var logPath string
	flag.StringVar(&configPath, "config", "", "Path to the YAML config file (required)")
	flag.StringVar(&logPath, "log", "", "Path to the stripped-output log file (default: none)")
	flag.Parse()

	if configPath == "" {
		log.Fatal("ralph: -config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("ralph: %v", err)
	}

	logger := logx.NewLogger("ralph")

	mode, err := cfg.Run.ResolveMode()
	if err != nil {
		log.Fatalf("ralph: %v", err)
	}

	pl, err := pipeline.New(pipeline.Options{LogPath: logPath})
	if err != nil {
		log.Fatalf("ralph: create output pipeline: %v", err)
	}
	defer func() {
		if closeErr := pl.Close(); closeErr != nil {
			logger.Warn("pipeline close failed: err=%v", closeErr)
		}
	}()

	var historyStore driver.History
	if cfg.Run.HistoryDBPath != "" {
		hs, err := history.Open(cfg.Run.HistoryDBPath)
		if err != nil {
			log.Fatalf("ralph: open history store: %v", err)
		}
		defer func() {
			if closeErr := hs.Close(); closeErr != nil {
				logger.Warn("history store close failed: err=%v", closeErr)
			}
		}()
		historyStore = hs
	}

	statusPath := cfg.Run.StatusFilePath
	if statusPath == "" {
		statusPath = runloop.DefaultPath()
	}
	statusFile := runloop.NewStatusFile(statusPath)

	rec := metrics.NewRecorder()

	runStart := time.Now().UTC()

	backlogDir := filepath.Join(cfg.Project.WorkingDir, cfg.Project.BacklogDir)
	store := backlog.New(backlogDir)
	composer := prompt.NewComposer("", "", nil)
	composer.SystemContextTokenBudget = cfg.Run.MaxContextTokens

	d := driver.New(driver.Config{
		Store:      store,
		Composer:   composer,
		Supervisor: supervisor.New(),
		Model:      cfg.Run.Model,
		WorkingDir: cfg.Project.WorkingDir,
		BacklogDir: backlogDir,
		Mode:       mode,
		OnDisplay:  pl.Write,
		History:    historyStore,
		Metrics:    rec,
		OnStatus: func(update driver.StatusUpdate) {
			_ = statusFile.Write(runloop.StatusRecord{
				State:     update.State,
				StoryID:   update.StoryID,
				Model:     cfg.Run.Model,
				StartTime: runStart,
				Error:     update.Error,
				Pid:       update.Pid,
			})
		},
	})

	notifier := notifyPort(cfg)

	rl := runloop.New(runloop.Config{
		Driver:        d,
		MaxIterations: cfg.Run.MaxIterations,
		GapSeconds:    cfg.Run.GapSeconds,
		Model:         cfg.Run.Model,
		ProjectName:   cfg.Project.Name,
		Notifier:      notifier,
		Metrics:       rec,
		StatusFile:    statusFile,
	})

	if cfg.Server.Addr != "" {
		startStatusServer(cfg, rec, statusFile, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	for res := range rl.Run(ctx) {
		logger.Info("iteration result: outcome=%s story=%s class=%s", res.Outcome, res.StoryID, res.ErrorClass)
		if res.Outcome == driver.OutcomeError && res.ErrorClass == "" {
			exitCode = 1
		}
	}

	os.Exit(exitCode)
}

func notifyPort(cfg config.Config) notify.Port {
	var ports []notify.Port
	ports = append(ports, notify.NewLogNotifier())
	if cfg.Notify.WebhookURL != "" {
		ports = append(ports, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	if len(ports) == 1 {
		return ports[0]
	}
	return &notify.MultiNotifier{Ports: ports}
}

func startStatusServer(cfg config.Config, rec *metrics.Recorder, statusFile *runloop.StatusFile, logger *logx.Logger) {
	auth, err := runloop.NewTokenAuth(cfg.Server.AuthToken)
	if err != nil {
		log.Fatalf("ralph: create status server auth: %v", err)
	}

	srv := runloop.NewServer(runloop.ServerConfig{
		Addr:       cfg.Server.Addr,
		Auth:       auth,
		StatusFile: statusFile,
		Metrics:    rec,
	})

	go func() {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Warn("status server stopped: err=%v", err)
		}
	}()

	fmt.Printf("ralph: status server listening on %s\n", cfg.Server.Addr)
}
