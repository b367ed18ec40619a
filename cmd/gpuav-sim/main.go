package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/gpuav/internal/gpuav"
	"github.com/nmxmxh/gpuav/internal/report"
	"github.com/nmxmxh/gpuav/internal/scenario"
	"github.com/nmxmxh/gpuav/internal/sink"
	"github.com/nmxmxh/gpuav/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "YAML validator configuration (defaults when empty)")
	reportPath := flag.String("report", "", "Write a brotli compressed diagnostic report to this path")
	quality := flag.Int("quality", 5, "Report compression quality (0-11)")
	listen := flag.String("listen", "", "Serve diagnostics over websocket at this address, e.g. :7070")
	linger := flag.Bool("linger", false, "Keep serving after the scenarios finish until interrupted")
	jsonOut := flag.Bool("json", false, "Print diagnostics as JSON lines")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gpuav-sim [options] scenario.yaml...\n\nRuns buffer device address scenarios under bounds checking.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run(*configPath, *reportPath, *quality, *listen, *linger, *jsonOut, *verbose, flag.Args()))
}

func run(configPath, reportPath string, quality int, listen string, linger, jsonOut, verbose bool, paths []string) int {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: "gpuav-sim",
		Output:    os.Stderr,
		Colorize:  true,
	})

	cfg := gpuav.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = gpuav.LoadConfig(configPath); err != nil {
			logger.Error("failed to load config", utils.Err(err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdown := utils.NewGracefulShutdown(10*time.Second, logger)

	logSink, err := sink.NewThrottled(sink.NewLogSink(logger), cfg.Throttle, logger)
	if err != nil {
		logger.Error("failed to create log throttle", utils.Err(err))
		return 1
	}
	collector := sink.NewCollector()
	sinks := sink.Multi{logSink, collector}

	if reportPath != "" {
		w, err := report.Create(reportPath, quality, "gpuav-sim")
		if err != nil {
			logger.Error("failed to create report", "path", reportPath, utils.Err(err))
			return 1
		}
		sinks = append(sinks, w)
		shutdown.Register("report", func() error {
			if err := w.Close(); err != nil {
				return err
			}
			logger.Info("report written", "path", reportPath, "diagnostics", w.Count())
			return nil
		})
	}

	if listen != "" {
		b := sink.NewBroadcaster(sink.DefaultBroadcasterConfig(), logger)
		mux := http.NewServeMux()
		mux.Handle("/diagnostics", b)
		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("diagnostic server failed", utils.Err(err))
			}
		}()
		logger.Info("serving diagnostics", "addr", listen, "path", "/diagnostics")
		sinks = append(sinks, b)
		shutdown.Register("diagnostic server", func() error {
			closeErr := b.Close()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Join(closeErr, srv.Shutdown(sctx))
		})
	}

	v, err := gpuav.New(cfg, sinks, logger)
	if err != nil {
		logger.Error("failed to create validator", utils.Err(err))
		return 1
	}

	failures := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		if err := runScenario(ctx, v, path, jsonOut, logger); err != nil {
			logger.Error("scenario failed", "path", path, utils.Err(err))
			failures++
		}
	}

	if linger && listen != "" && ctx.Err() == nil {
		logger.Info("scenarios finished, serving until interrupted")
		<-ctx.Done()
	}

	if err := v.Close(context.Background()); err != nil {
		logger.Warn("validator close failed", utils.Err(err))
	}
	stats := v.GetStats()
	logger.Info("validator stopped",
		"submissions", stats.Submissions,
		"instrumented", stats.Instrumented,
		"skipped", stats.Skipped,
		"diagnostics", stats.Diagnostics,
		"collected", collector.Len())
	for vuid, n := range logSink.Dropped() {
		logger.Warn("log output throttled", "vuid", vuid, "dropped", n)
	}
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown incomplete", utils.Err(err))
		failures++
	}

	if failures > 0 {
		return 1
	}
	return 0
}

func runScenario(ctx context.Context, v *gpuav.Validator, path string, jsonOut bool, logger *slog.Logger) error {
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	res, err := scenario.Run(ctx, v, s, logger)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, sub := range res.Submissions {
		for _, d := range sub.Diagnostics {
			if jsonOut {
				if err := enc.Encode(d); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s: submission %d: %s\n", s.Name, sub.ID, d)
		}
	}
	if !jsonOut {
		total := len(res.Diagnostics())
		fmt.Printf("%s: %d submission(s), %d diagnostic(s)\n", s.Name, len(res.Submissions), total)
	}
	return res.Check(s.Expect)
}
