package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/config"
	"conductor/pkg/eventlog"
	"conductor/pkg/gateway"
	"conductor/pkg/metrics"
	"conductor/pkg/session"
	"conductor/pkg/store"
)

// Version information - set via ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		specFile     = flag.String("spec-file", "", "Path to the requirements file")
		projectDir   = flag.String("projectdir", ".", "Project directory")
		continueMode = flag.Bool("continue", false, "Resume the most recent session")
		addendum     = flag.String("addendum", "", "Path to added requirements when resuming (widens scope)")
		statusMode   = flag.Bool("status", false, "Print the most recent session's status and exit")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	os.Exit(run(*projectDir, *specFile, *addendum, *continueMode, *statusMode))
}

// run contains the main application logic and returns an exit code so
// defers execute before the process exits.
func run(projectDir, specFile, addendumFile string, continueMode, statusMode bool) int {
	if projectDir == "." {
		config.LogInfo("-projectdir not set, using the current directory")
	}

	if err := config.LoadConfig(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}

	dbPath := filepath.Join(projectDir, cfg.Storage.Path)
	if err := store.Initialize(dbPath, store.NewID()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %v\n", err)
		return 1
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close state store: %v\n", cerr)
		}
	}()

	if statusMode || continueMode {
		latest, lerr := store.LatestSessionID(store.GetDB())
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to find a session: %v\n", lerr)
			return 1
		}
		if latest == "" {
			fmt.Fprintln(os.Stderr, "No session found in this project")
			return 1
		}
		store.SetSessionID(latest)
	}

	if statusMode {
		summary, serr := session.Status(store.Ops())
		if serr != nil {
			fmt.Fprintf(os.Stderr, "Failed to summarize session: %v\n", serr)
			return 1
		}
		fmt.Print(summary.Render())
		printRunMetrics(cfg.Metrics.PrometheusURL)
		return 0
	}

	// Worker API keys: encrypted secrets file when present, environment
	// variables otherwise.
	if config.SecretsFileExists(projectDir) {
		if err := config.LoadSecrets(projectDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
			return 1
		}
	}

	events, err := eventlog.NewWriter(filepath.Join(projectDir, ".conductor", "logs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 1
	}
	defer func() {
		if cerr := events.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close event log: %v\n", cerr)
		}
	}()

	rec := metrics.NewPrometheusRecorder()
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		go serveMetrics(addr)
	}

	coordinator := session.New(store.Ops(), gateway.NewLLMGateway(cfg), cfg.Orchestration,
		session.WithRecorder(rec),
		session.WithEventWriter(events),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if continueMode {
		addendumText, aerr := readOptionalFile(addendumFile)
		if aerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to read addendum: %v\n", aerr)
			return 1
		}
		config.LogInfo("Resuming session %s", store.GetSessionID())
		if err := coordinator.Resume(ctx, addendumText); err != nil {
			fmt.Fprintf(os.Stderr, "Resume failed: %v\n", err)
			return 1
		}
	} else {
		if specFile == "" {
			fmt.Fprintln(os.Stderr, "A requirements file is required: -spec-file <path>")
			return 1
		}
		requirements, rerr := os.ReadFile(specFile)
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", specFile, rerr)
			return 1
		}
		config.LogInfo("Starting session %s", store.GetSessionID())
		if err := coordinator.Start(ctx, string(requirements)); err != nil {
			fmt.Fprintf(os.Stderr, "Session start failed: %v\n", err)
			return 1
		}
		if err := coordinator.Execute(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Session did not complete: %v\n", err)
			printSummary(cfg.Metrics.PrometheusURL)
			return 1
		}
	}

	printSummary(cfg.Metrics.PrometheusURL)
	return 0
}

func printSummary(prometheusURL string) {
	summary, err := session.Status(store.Ops())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to summarize session: %v\n", err)
		return
	}
	fmt.Print(summary.Render())
	printRunMetrics(prometheusURL)
}

// printRunMetrics appends the Prometheus run aggregates to the summary
// when a query endpoint is configured.
func printRunMetrics(prometheusURL string) {
	if prometheusURL == "" {
		return
	}
	qs, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: metrics query unavailable: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := qs.GetRunMetrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to query run metrics: %v\n", err)
		return
	}
	fmt.Printf("run metrics: %d invocations (avg %.1fs), %d escalations, %d merges, %d conflicts\n",
		run.Invocations, run.AvgInvocationS, run.Escalations, run.Merges, run.MergeConflicts)

	byRole, err := qs.GetInvocationsByRole(ctx)
	if err != nil || len(byRole) == 0 {
		return
	}
	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Printf("  %s: %d invocation(s)\n", role, byRole[role])
	}
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Metrics listener failed: %v\n", err)
	}
}
