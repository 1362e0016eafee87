package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/livefeed/internal/metrics"
	"github.com/dgnsrekt/livefeed/internal/notify"
	"github.com/dgnsrekt/livefeed/internal/pipeline"
	"github.com/dgnsrekt/livefeed/internal/render"
	"github.com/dgnsrekt/livefeed/internal/status"
)

func watchCmd() *cobra.Command {
	var (
		url      string
		runID    string
		noStatus bool
	)

	cmd := &cobra.Command{
		Use:   "watch [URL]",
		Short: "Stream events from a feed and render them to the terminal",
		Long: `Connect to a websocket feed, resume the configured run and render
throttled, batched updates to the terminal until interrupted.

Examples:
  # Watch the feed from the config file
  livefeed watch

  # Watch a specific URL and resume run r-42
  livefeed watch ws://localhost:9000/stream --run-id r-42

  # Without the status server
  livefeed watch --no-status`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pcfg := cfg.PipelineConfig()
			switch {
			case len(args) == 1:
				pcfg.Connection.URL = args[0]
			case url != "":
				pcfg.Connection.URL = url
			}
			if pcfg.Connection.URL == "" {
				return errors.New("no feed URL: pass one as argument or set connection.url")
			}
			if runID == "" {
				runID = cfg.Connection.RunID
			}

			p, err := pipeline.New(pcfg, render.NewTerminal(os.Stdout), pipeline.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("creating pipeline: %w", err)
			}
			defer p.Close()

			if runID != "" {
				if err := p.Connection().Retarget(runID); err != nil {
					return err
				}
			}

			logger.Info("watching feed",
				zap.String("url", pcfg.Connection.URL),
				zap.String("runID", runID),
				zap.String("clientID", p.Connection().ClientID()),
				zap.Strings("subprotocols", pcfg.Connection.Subprotocols),
			)

			notifier := notify.New(cfg.NotifyConfig(), logger.Named("notify"))
			started := time.Now()

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				if err := p.Start(gctx); err != nil {
					return err
				}
				return p.Wait(gctx)
			})

			if cfg.Status.Enabled && !noStatus {
				reg, err := metrics.NewRegistry(p)
				if err != nil {
					return err
				}
				router := status.NewRouter(p, p.Connection(), reg, logger.Named("status"))
				srv := status.NewServer(cfg.StatusConfig(), router, logger.Named("status"))
				g.Go(func() error {
					return srv.Run(gctx)
				})
			}

			err = g.Wait()
			snap := p.Snapshot()
			logger.Info("feed stopped",
				zap.Uint64("delivered", snap.Delivered),
				zap.Uint64("reconnects", snap.Connection.Reconnects),
				zap.Uint64("duplicates", snap.Throttle.Duplicates),
				zap.Uint64("batches", snap.Batch.Batches),
			)

			// The command context is already cancelled here
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			feed := pcfg.Connection.URL
			if err != nil {
				_ = notifier.SendFailure(notifyCtx, feed, snap, time.Since(started), err)
			} else {
				_ = notifier.SendStopped(notifyCtx, feed, snap, time.Since(started))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "feed URL (overrides connection.url)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to resume (overrides connection.run_id)")
	cmd.Flags().BoolVar(&noStatus, "no-status", false, "do not start the status server")

	return cmd
}
