package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shuttle/cli/config"
	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/dispatcher"
	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/policy"
	"github.com/pithecene-io/shuttle/runtime"
	"github.com/pithecene-io/shuttle/scheduler"
	"github.com/pithecene-io/shuttle/signalhandler"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// ServeCommand returns the serve command, which runs the sender until
// SIGINT or SIGTERM. SIGUSR1 pauses event intake and SIGUSR2 resumes it.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sender: watch for files and multiplex them to consumers",
		Flags: []cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of dispatcher workers (overrides number_of_streams)",
			},
			&cli.Int64Flag{
				Name:  "chunk-size",
				Usage: "Chunk size in bytes (overrides chunk_size)",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a JSON run report to this path on exit (- for stderr)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the summary printed on exit",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitError(err)
	}
	if c.IsSet("workers") {
		cfg.Sender.NumberOfStreams = c.Int("workers")
	}
	if c.IsSet("chunk-size") {
		cfg.Sender.ChunkSize = c.Int64("chunk-size")
	}
	if err := cfg.ValidateSender(); err != nil {
		return exitError(err)
	}

	logger, err := newLogger(c, cfg)
	if err != nil {
		return exitError(err)
	}
	defer func() { _ = logger.Sync() }()

	senderCfg, err := buildSenderConfig(cfg, logger)
	if err != nil {
		return exitError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := runtime.NewSender(ctx, senderCfg)
	if err != nil {
		return exitError(err)
	}

	stopSignals := forwardSignals(cancel, sender.Forwarder(), logger)
	defer stopSignals()

	result, runErr := sender.Run(ctx)

	if path := c.String("report"); path != "" {
		if err := runtime.WriteSenderReport(runtime.BuildSenderReport(result), path); err != nil {
			logger.Warn("failed to write report", map[string]any{"error": err.Error()})
		}
	}
	if !c.Bool("quiet") && isStderrTTY() {
		printSenderResult(result)
	}

	if runErr != nil {
		return cli.Exit(fmt.Sprintf("sender failed: %v", runErr), result.Outcome.ExitCode())
	}
	return cli.Exit("", result.Outcome.ExitCode())
}

// forwardSignals publishes EXIT on the first SIGINT/SIGTERM, so jobs in
// flight finish, and cancels on the second. SIGUSR1/SIGUSR2 map to
// SLEEP/WAKEUP. The returned func stops forwarding.
func forwardSignals(cancel context.CancelFunc, fwd *control.Forwarder, logger *log.Logger) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	sugar := logger.Sugar()
	go func() {
		stopping := false
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGUSR1:
					sugar.Infof("%s received, pausing event intake", sig)
					fwd.Publish(control.Sleep)
				case syscall.SIGUSR2:
					sugar.Infof("%s received, resuming event intake", sig)
					fwd.Publish(control.Wakeup)
				default:
					if stopping {
						logger.Warn("second shutdown signal, aborting in-flight jobs", map[string]any{"signal": sig.String()})
						cancel()
						continue
					}
					stopping = true
					logger.Info("shutdown requested", map[string]any{"signal": sig.String()})
					fwd.Publish(control.Exit)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// buildSenderConfig translates the sender section of a validated config.
func buildSenderConfig(cfg *config.Config, logger *log.Logger) (runtime.SenderConfig, error) {
	s := cfg.Sender
	com, err := ipc.ParseEndpoint(s.ComEndpoint)
	if err != nil {
		return runtime.SenderConfig{}, types.NewError(types.ErrConfiguration, "com_endpoint", err)
	}
	req, err := ipc.ParseEndpoint(s.RequestEndpoint)
	if err != nil {
		return runtime.SenderConfig{}, types.NewError(types.ErrConfiguration, "request_endpoint", err)
	}

	notifier, err := runtime.OpenNotifier(runtime.NotifyConfig{
		Type:    s.Notify.Type,
		URL:     s.Notify.URL,
		Channel: s.Notify.Channel,
		Headers: s.Notify.Headers,
		Timeout: s.Notify.Timeout.Duration,
		Retries: s.Notify.Retries,
	})
	if err != nil {
		return runtime.SenderConfig{}, err
	}

	return runtime.SenderConfig{
		Handler: signalhandler.Config{
			ComEndpoint:     com,
			RequestEndpoint: req,
			Whitelist:       s.Whitelist,
			FixedTargets:    s.FixedTargets,
		},
		Scheduler: scheduler.Config{
			EventTimeout:            s.EventTimeout.Duration,
			SendTimeout:             s.JobSendTimeout.Duration,
			IgnoreAccumulatedEvents: s.IgnoreAccumulatedEvents,
		},
		Dispatcher: dispatcher.Config{
			Workers:      s.NumberOfStreams,
			ChunkSize:    s.ChunkSize,
			SendBuffer:   s.SendBuffer,
			NotifyBuffer: s.Notify.Buffer,
		},
		Source: source.Config{
			Type:         s.EventSource.Type,
			MonitoredDir: s.EventSource.MonitoredDir,
			Suffixes:     s.EventSource.Suffixes,
			HistorySize:  s.EventSource.HistorySize,
			PollInterval: s.EventSource.PollInterval.Duration,
			URL:          s.EventSource.URL,
			Key:          s.EventSource.Key,
			Queue:        s.EventSource.Queue,
			Topic:        s.EventSource.Topic,
			BatchSize:    s.EventSource.BatchSize,
		},
		Fetcher: fetcher.Config{
			Type:      s.DataFetcher.Type,
			BaseURL:   s.DataFetcher.BaseURL,
			Bucket:    s.DataFetcher.Bucket,
			Prefix:    s.DataFetcher.Prefix,
			Region:    s.DataFetcher.Region,
			Endpoint:  s.DataFetcher.Endpoint,
			PathStyle: s.DataFetcher.PathStyle,
			Timeout:   s.DataFetcher.Timeout.Duration,
		},
		Policy: policy.Config{
			StoreData:   s.StoreData,
			RemoveData:  s.RemoveData,
			LocalTarget: s.LocalTarget,
			FixSubdirs:  s.FixSubdirs,
		},
		JobQueueSize: s.JobQueueSize,
		Notifier:     notifier,
		Logger:       logger,
	}, nil
}

func printSenderResult(result *runtime.SenderResult) {
	m := result.Metrics
	fmt.Fprintf(os.Stderr, "\noutcome=%s, duration=%s\n",
		result.Outcome.Status,
		result.Duration.Round(time.Millisecond),
	)

	fmt.Fprintf(os.Stderr, "\n=== Sender Result ===\n")
	fmt.Fprintf(os.Stderr, "Outcome:          %s\n", result.Outcome.Status)
	fmt.Fprintf(os.Stderr, "Message:          %s\n", result.Outcome.Message)
	fmt.Fprintf(os.Stderr, "Event Source:     %s\n", m.EventSource)
	fmt.Fprintf(os.Stderr, "Data Fetcher:     %s\n", m.DataFetcher)

	fmt.Fprintf(os.Stderr, "\n=== Dispatch ===\n")
	fmt.Fprintf(os.Stderr, "Events Received:  %d\n", m.EventsReceived)
	fmt.Fprintf(os.Stderr, "Events Skipped:   %d\n", m.EventsSkipped)
	fmt.Fprintf(os.Stderr, "Files Dispatched: %d\n", m.FilesDispatched)
	fmt.Fprintf(os.Stderr, "Files Failed:     %d\n", m.FilesFailed)
	fmt.Fprintf(os.Stderr, "Chunks Sent:      %d\n", m.ChunksSent)
	fmt.Fprintf(os.Stderr, "Chunks Dropped:   %d\n", m.ChunksDropped)

	fmt.Fprintf(os.Stderr, "\n=== Policy (%s) ===\n", result.PolicyName)
	fmt.Fprintf(os.Stderr, "Kept:             %d\n", result.PolicyStats.Kept)
	fmt.Fprintf(os.Stderr, "Stored:           %d\n", result.PolicyStats.Stored)
	fmt.Fprintf(os.Stderr, "Removed:          %d\n", result.PolicyStats.Removed)
	fmt.Fprintf(os.Stderr, "Errors:           %d\n", result.PolicyStats.Errors)

	if len(m.DroppedByTarget) > 0 {
		fmt.Fprintf(os.Stderr, "\n=== Dropped by Target ===\n")
		for id, n := range m.DroppedByTarget {
			fmt.Fprintf(os.Stderr, "  - %s: %d\n", id, n)
		}
	}
}
