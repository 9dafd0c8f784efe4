package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shuttle/cli/config"
	"github.com/pithecene-io/shuttle/cli/render"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/transfer"
	"github.com/pithecene-io/shuttle/types"
)

// stopTimeout bounds the deregistration round trip on exit.
const stopTimeout = 5 * time.Second

// ReceiveCommand returns the receive command: a consumer that registers
// with a sender and stores every file it gets under target_dir.
// Metadata-only connection types print each record instead.
func ReceiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "Register with a sender and store received files",
		Flags: []cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			FormatFlag,
			&cli.StringFlag{
				Name:  "signal-host",
				Usage: "Sender host (overrides receiver.signal_host)",
			},
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Connection type: STREAM, STREAM_METADATA, QUERY_NEXT, QUERY_NEXT_METADATA, NEXUS",
			},
			&cli.StringFlag{
				Name:  "target-dir",
				Usage: "Directory received files are stored under",
			},
			&cli.IntFlag{
				Name:  "priority",
				Usage: "Target priority; higher is served first",
			},
			&cli.StringSliceFlag{
				Name:  "suffix",
				Usage: "Only receive files with this suffix (repeatable)",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Stop after this many files (0 runs until interrupted)",
			},
		},
		Action: receiveAction,
	}
}

func receiveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitError(err)
	}
	applyReceiverFlags(c, &cfg.Receiver)
	if err := cfg.ValidateReceiver(); err != nil {
		return exitError(err)
	}
	r := cfg.Receiver

	ct, err := types.ParseConnectionType(r.ConnectionType)
	if err != nil {
		return exitError(types.NewError(types.ErrConfiguration, "connection_type", err))
	}
	proto, err := ipc.ParseProtocol(r.Protocol)
	if err != nil {
		return exitError(types.NewError(types.ErrConfiguration, "protocol", err))
	}

	logger, err := newLogger(c, cfg)
	if err != nil {
		return exitError(err)
	}
	defer func() { _ = logger.Sync() }()

	var out *render.Renderer
	if ct.IsMetadataOnly() {
		if out, err = render.NewRenderer(c); err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
	}

	tr, err := transfer.New(transfer.Config{
		SignalHost:  r.SignalHost,
		SignalPort:  r.SignalPort,
		RequestPort: r.RequestPort,
		DataHost:    r.DataHost,
		IPCDir:      r.IPCDir,
		Logger:      logger,
	})
	if err != nil {
		return exitError(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		if err := tr.Stop(sctx); err != nil {
			logger.Warn("deregistration failed", map[string]any{"error": err.Error()})
		}
	}()

	ep, err := tr.Start(ctx, ct, transfer.StartOptions{
		Protocol:        proto,
		Style:           transfer.StyleBind,
		Port:            r.DataPort,
		Priority:        r.Priority,
		Suffixes:        r.Suffixes,
		StatusCheck:     r.StatusCheckPort != 0,
		StatusCheckPort: r.StatusCheckPort,
	})
	if err != nil {
		return exitError(err)
	}
	fields := map[string]any{"connection_type": ct.String(), "endpoint": ep.String(), "target_dir": r.TargetDir}
	if status, ok := tr.StatusEndpoint(ct); ok {
		fields["status_endpoint"] = status.String()
	}
	logger.Info("receiving", fields)
	printReceiveHint(ep)

	received, err := receiveLoop(ctx, tr, r, c.Int("count"), out, logger)
	logger.Info("receiver stopped", map[string]any{"files": received})
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(err)
	}
	return nil
}

// receiveLoop stores files until ctx is done, count files arrived (when
// count > 0), or a store fails.
func receiveLoop(ctx context.Context, tr *transfer.Transfer, r config.ReceiverConfig, count int, out *render.Renderer, logger *log.Logger) (int, error) {
	received := 0
	for count == 0 || received < count {
		meta, err := tr.Store(ctx, r.TargetDir, r.Timeout.Duration)
		if err != nil {
			return received, err
		}
		if ctx.Err() != nil {
			return received, ctx.Err()
		}
		if meta == nil {
			continue
		}
		received++
		if out != nil {
			if err := out.Record(meta); err != nil {
				return received, err
			}
			continue
		}
		path, _ := meta.Event().StorePath(r.TargetDir)
		logger.Info("file stored", map[string]any{
			"file":     meta.Identifier(),
			"filesize": derefSize(meta.Filesize),
			"path":     path,
		})
	}
	return received, nil
}

func derefSize(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// applyReceiverFlags lets command-line flags win over the file.
func applyReceiverFlags(c *cli.Context, r *config.ReceiverConfig) {
	if c.IsSet("signal-host") {
		r.SignalHost = c.String("signal-host")
	}
	if c.IsSet("type") {
		r.ConnectionType = c.String("type")
	}
	if c.IsSet("target-dir") {
		r.TargetDir = c.String("target-dir")
	}
	if c.IsSet("priority") {
		r.Priority = c.Int("priority")
	}
	if c.IsSet("suffix") {
		r.Suffixes = c.StringSlice("suffix")
	}
}

// printReceiveHint tells an interactive user where to point the sender.
func printReceiveHint(ep ipc.Endpoint) {
	if isStderrTTY() {
		fmt.Fprintf(os.Stderr, "listening on %s (socket id %s)\n", ep, ep.SocketID())
	}
}
