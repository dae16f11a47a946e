package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kardianos/service"
	"github.com/urfave/cli/v3"
	"github.com/zhaobenny/callcost/cli/internal/config"
	"github.com/zhaobenny/callcost/cli/internal/sync"
	"github.com/zhaobenny/callcost/internal/parser"
)

// syncService implements service.Interface for background syncing
type syncService struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	logger   service.Logger
}

func (s *syncService) Start(svc service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *syncService) Stop(svc service.Service) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *syncService) run(ctx context.Context) {
	defer close(s.done)

	cfg, err := config.Load()
	if err != nil || !cfg.Remote() {
		s.logError("Not configured. Run 'callcost config' first.")
		return
	}

	client := sync.NewClient(cfg)

	// Sync immediately on start
	s.doSync(ctx, cfg, client)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.doSync(ctx, cfg, client)
		case <-ctx.Done():
			return
		}
	}
}

func (s *syncService) doSync(ctx context.Context, cfg *config.Config, client *sync.Client) {
	result, err := syncCalls(ctx, cfg, client, false)
	if err != nil {
		s.logError(fmt.Sprintf("Error syncing: %v", err))
		return
	}
	if result.inserted > 0 && s.logger != nil {
		_ = s.logger.Infof("Synced %d calls", result.inserted)
	}
}

func (s *syncService) logError(msg string) {
	if s.logger != nil {
		_ = s.logger.Error(msg)
		return
	}
	slog.Error(msg)
}

type syncResult struct {
	found      int
	inserted   int
	duplicates int
}

// syncCalls pushes call log entries the server has not seen yet
func syncCalls(ctx context.Context, cfg *config.Config, client *sync.Client, dryRun bool) (syncResult, error) {
	var result syncResult

	lastSync, err := client.GetSyncStatus(ctx)
	if err != nil {
		// Resending everything is safe, the server ignores known calls
		slog.Warn("could not get sync status", "error", err)
	}

	calls, err := parser.ParseAllFiles(cfg.CallLogDir())
	if err != nil {
		return result, fmt.Errorf("reading call logs: %w", err)
	}

	toSync := sync.SelectNew(calls, lastSync)
	result.found = len(toSync)
	if len(toSync) == 0 || dryRun {
		return result, nil
	}

	result.inserted, result.duplicates, err = client.Push(ctx, toSync)
	return result, err
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push new calls to the server, or manage the background sync service",
		UsageText: "callcost sync                        Sync once\n" +
			"callcost sync install                Install service (syncs every hour)\n" +
			"callcost sync install --interval 30m\n" +
			"callcost sync start|stop|status|uninstall",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Show what would be synced without sending",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: time.Hour,
				Usage: "Sync interval for service mode (e.g. 1h, 30m)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := requireRemote()
			if err != nil {
				return err
			}
			result, err := syncCalls(ctx, cfg, sync.NewClient(cfg), cmd.Bool("dry-run"))
			if err != nil {
				return fmt.Errorf("syncing: %w", err)
			}
			printSyncResult(cmd.Root().Writer, result, cmd.Bool("dry-run"))
			return nil
		},
		Commands: []*cli.Command{
			serviceCommand("install", "Install and start the background service", func(w io.Writer, s service.Service, interval time.Duration) error {
				if _, err := requireRemote(); err != nil {
					return err
				}
				if err := s.Install(); err != nil {
					return fmt.Errorf("failed to install service: %w", err)
				}
				if err := s.Start(); err != nil {
					return fmt.Errorf("service installed but failed to start: %w", err)
				}
				fmt.Fprintln(w, "Service installed and started.")
				fmt.Fprintf(w, "Sync interval: %s\n", interval)
				return nil
			}),
			serviceCommand("start", "Start the background service", func(w io.Writer, s service.Service, _ time.Duration) error {
				if err := s.Start(); err != nil {
					return fmt.Errorf("failed to start service: %w", err)
				}
				fmt.Fprintln(w, "Service started.")
				return nil
			}),
			serviceCommand("stop", "Stop the background service", func(w io.Writer, s service.Service, _ time.Duration) error {
				if err := s.Stop(); err != nil {
					return fmt.Errorf("failed to stop service: %w", err)
				}
				fmt.Fprintln(w, "Service stopped.")
				return nil
			}),
			serviceCommand("uninstall", "Remove the background service", func(w io.Writer, s service.Service, _ time.Duration) error {
				_ = s.Stop() // may already be stopped
				if err := s.Uninstall(); err != nil {
					return fmt.Errorf("failed to uninstall service: %w", err)
				}
				fmt.Fprintln(w, "Service uninstalled.")
				return nil
			}),
			serviceCommand("status", "Show service status", func(w io.Writer, s service.Service, _ time.Duration) error {
				status, err := s.Status()
				if err != nil {
					fmt.Fprintf(w, "Service status: not installed or error (%v)\n", err)
					return nil
				}
				fmt.Fprintf(w, "Service status: %s\n", statusName(status))
				return nil
			}),
			{
				Name:   "run",
				Usage:  "Run the sync loop (used by the service manager)",
				Hidden: true,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					svc := &syncService{interval: cmd.Duration("interval")}
					s, err := newService(svc, svc.interval)
					if err != nil {
						return err
					}
					if logger, err := s.Logger(nil); err == nil {
						svc.logger = logger
					}
					return s.Run()
				},
			},
		},
	}
}

func serviceCommand(name, usage string, action func(io.Writer, service.Service, time.Duration) error) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			interval := cmd.Duration("interval")
			s, err := newService(&syncService{interval: interval}, interval)
			if err != nil {
				return err
			}
			return action(cmd.Root().Writer, s, interval)
		},
	}
}

func newService(svc *syncService, interval time.Duration) (service.Service, error) {
	s, err := service.New(svc, &service.Config{
		Name:        "callcost-sync",
		DisplayName: "callcost Sync Service",
		Description: "Pushes voice agent call logs to the callcost server",
		Arguments:   []string{"sync", "--interval=" + interval.String(), "run"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

func statusName(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	}
	return "unknown"
}

func requireRemote() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Remote() {
		return nil, config.ErrNotConfigured
	}
	return cfg, nil
}

func printSyncResult(w io.Writer, r syncResult, dryRun bool) {
	if r.found == 0 {
		fmt.Fprintln(w, "No new calls to sync.")
		return
	}
	fmt.Fprintf(w, "Found %d calls to sync.\n", r.found)
	if dryRun {
		fmt.Fprintln(w, "Dry run - no data sent.")
		return
	}
	fmt.Fprintf(w, "Sync complete. %d calls inserted, %d already stored.\n", r.inserted, r.duplicates)
}
