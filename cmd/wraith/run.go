package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wraith/internal/browser"
	"wraith/internal/config"
	"wraith/internal/metrics"
	"wraith/internal/navigator"
	"wraith/internal/orchestrator"
	"wraith/internal/plan"
	"wraith/internal/status"
)

var (
	metricsAddr string
	runMode     string
)

var runCmd = &cobra.Command{
	Use:   "run [intent]",
	Short: "Start the runtime, submit intents, and stream status events",
	Long: `Starts the session pool and the status stream, then reads commands from
stdin, one per line:

  <free text>      submit the line as a new intent
  cancel <taskId>  request cancellation of a running task
  snapshot         print pool occupancy and per-task summaries
  quit             shut down

Status events and submission results are written to stdout as JSON lines.
An intent passed as arguments is submitted immediately on startup.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRuntime,
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().StringVar(&runMode, "mode", string(plan.ModeAuto), "classification mode override (AUTO, BROWSE, DO, MAKE, RESEARCH)")
}

// outputLine is one JSON line on stdout: either a status event or a local
// runtime message (submission results, snapshots, errors).
type outputLine struct {
	Type       string                         `json:"type"`
	Event      *status.Envelope               `json:"event,omitempty"`
	Submission *orchestrator.SubmissionResult `json:"submission,omitempty"`
	Snapshot   *orchestrator.Snapshot         `json:"snapshot,omitempty"`
	Message    string                         `json:"message,omitempty"`
}

// stdoutSink serializes JSON lines so status fan-out and command replies
// never interleave mid-line.
type stdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (s *stdoutSink) write(line outputLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(line); err != nil {
		logger.Warn("stdout encode failed", zap.Error(err))
	}
}

func runRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.Default()

	driver := browser.NewDriver(browser.OptionsFromConfig(cfg), logger.Named("browser"))
	if err := driver.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Warn("browser close failed", zap.Error(err))
		}
	}()

	nav, err := buildNavigator(ctx, cfg, met)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, driver, nav, logger.Named("orchestrator"), met)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	sink := &stdoutSink{enc: json.NewEncoder(os.Stdout)}
	unsub := orch.OnStatus(func(ev status.Envelope) {
		sink.write(outputLine{Type: "status", Event: &ev})
	})
	defer unsub()

	if metricsAddr != "" {
		stopMetrics := serveMetrics(metricsAddr)
		defer stopMetrics()
	}

	logger.Info("runtime started",
		zap.Int("sessionCount", cfg.Pool.SessionCount),
		zap.String("navigator", cfg.Navigator.Provider))

	if len(args) > 0 {
		submitLine(ctx, orch, sink, strings.Join(args, " "))
	}

	go readCommands(ctx, orch, sink, stop)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return orch.Shutdown(shutdownCtx)
}

// buildNavigator wires the configured decision model.
func buildNavigator(ctx context.Context, cfg *config.Config, met *metrics.Metrics) (navigator.Navigator, error) {
	switch cfg.Navigator.Provider {
	case "gemini":
		return navigator.NewGemini(ctx, navigator.GeminiConfig{
			APIKey:      cfg.Navigator.APIKey,
			Model:       cfg.Navigator.Model,
			VisionModel: cfg.Navigator.VisionModel,
			Timeout:     cfg.NavigatorTimeout(),
		}, logger.Named("navigator"), met)
	default:
		return nil, fmt.Errorf("unknown navigator provider: %q", cfg.Navigator.Provider)
	}
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// readCommands drives the stdin command loop until EOF or shutdown.
func readCommands(ctx context.Context, orch *orchestrator.Orchestrator, sink *stdoutSink, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "quit" || line == "exit":
			stop()
			return

		case line == "snapshot":
			snap := orch.Snapshot()
			sink.write(outputLine{Type: "snapshot", Snapshot: &snap})

		case strings.HasPrefix(line, "cancel "):
			taskID := strings.TrimSpace(strings.TrimPrefix(line, "cancel "))
			if orch.Cancel(taskID) {
				sink.write(outputLine{Type: "cancel", Message: "cancellation requested: " + taskID})
			} else {
				sink.write(outputLine{Type: "error", Message: "no cancellable task: " + taskID})
			}

		default:
			submitLine(ctx, orch, sink, line)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", zap.Error(err))
	}
	stop()
}

func submitLine(ctx context.Context, orch *orchestrator.Orchestrator, sink *stdoutSink, text string) {
	res, err := orch.Submit(ctx, orchestrator.Submission{
		Text:   text,
		Mode:   plan.Mode(strings.ToUpper(runMode)),
		Source: "cli",
	})
	if err != nil {
		sink.write(outputLine{Type: "error", Message: err.Error()})
		return
	}
	sink.write(outputLine{Type: "submission", Submission: res})
}
