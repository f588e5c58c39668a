package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cantonio/checklist-orchestrator/internal/batch"
	"github.com/cantonio/checklist-orchestrator/internal/checklist"
	"github.com/cantonio/checklist-orchestrator/internal/checkpoint"
	"github.com/cantonio/checklist-orchestrator/internal/config"
	"github.com/cantonio/checklist-orchestrator/internal/notify"
	"github.com/cantonio/checklist-orchestrator/internal/observer"
	"github.com/cantonio/checklist-orchestrator/internal/pathlock"
	"github.com/cantonio/checklist-orchestrator/internal/processor"
	"github.com/cantonio/checklist-orchestrator/internal/runmanager"
	"github.com/cantonio/checklist-orchestrator/internal/runstore"
	"github.com/cantonio/checklist-orchestrator/web/api"
)

var (
	runBatchSize  int
	runIterations int
	runMode       string
	runDryRun     bool
	runWithAPI    bool
	sessionsLimit int
	servePort     int
	watchSchedule string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process the checklist",
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "items per batch (overrides config)")
	runCmd.Flags().IntVar(&runIterations, "max-iterations", 0, "iteration cap (overrides config)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "processing mode: finite or infinite")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "plan batches without launching agents")
	runCmd.Flags().BoolVar(&runWithAPI, "serve", false, "expose the status API while processing")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show checklist progress",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// sessions command
	sessionsCmd := &cobra.Command{
		Use:   "sessions [SESSION]",
		Short: "List recorded sessions, or show one session's runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSessions,
	}
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 10, "number of sessions to list")
	rootCmd.AddCommand(sessionsCmd)

	// checkpoint command
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint ITEM",
		Short: "Show the saved checkpoint for an item",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpoint,
	}
	rootCmd.AddCommand(checkpointCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on")
	rootCmd.AddCommand(serveCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Process on checklist changes and scheduled windows",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "schedule TOML with processing windows")
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyRunFlags(cfg *config.Config) {
	if runBatchSize > 0 {
		cfg.General.BatchSize = runBatchSize
	}
	if runIterations > 0 {
		cfg.General.MaxIterations = runIterations
	}
	if runMode != "" {
		cfg.General.Mode = config.ProcessingMode(runMode)
	}
	if runDryRun {
		cfg.General.DryRun = true
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notify.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	p, err := processor.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signalContext()
	defer stop()
	go func() {
		<-ctx.Done()
		p.Cancel()
	}()

	if runWithAPI {
		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		server := api.NewServer(p.Runs(), p.Store(), p.Status, addr)
		go func() {
			if err := server.Start(); err != nil {
				fmt.Printf("Warning: status API failed: %v\n", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Status API at http://%s\n", addr)
	}

	start := time.Now()
	result, err := p.Process(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Done in %s: %d processed, %d completed, %d failed\n",
		time.Since(start).Round(time.Second), result.Processed, result.Completed, result.Failed)

	obs := observer.New(10 * time.Minute)
	for _, run := range p.Runs().AllRuns() {
		obs.RecordRun(run.Snapshot())
	}
	if m := obs.GetMetrics(); m.TotalCompleted+m.TotalFailed+m.TotalTimeout > 0 {
		fmt.Printf("Runs: %d completed, %d failed, %d timed out, avg %s, %s of output\n",
			m.TotalCompleted, m.TotalFailed, m.TotalTimeout,
			m.AvgDuration.Round(time.Second), humanize.Bytes(uint64(m.TotalOutputBytes)))
	}

	if !result.DryRun {
		n := notify.SessionFinished(result.Processed, result.Completed, result.Failed)
		if err := buildNotifier(cfg).Send(n); err != nil {
			fmt.Printf("Warning: notification failed: %v\n", err)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parser := checklist.NewParser(cfg.General.ChecklistPath, cfg.General.RepoRoot, pathlock.NewRegistry())
	items, err := parser.Parse()
	if err != nil {
		return err
	}

	prefixTiers := checklist.BuildPrefixTierMap(items)

	type tierCount struct {
		total, done, failed int
	}
	counts := make(map[string]*tierCount)
	var tiers []string
	for _, item := range items {
		heading := strings.TrimPrefix(checklist.ResolveTierHeading(item, prefixTiers), "## ")
		c, ok := counts[heading]
		if !ok {
			c = &tierCount{}
			counts[heading] = c
			tiers = append(tiers, heading)
		}
		c.total++
		if item.IsCompleted() {
			c.done++
		} else if item.IsFailed() {
			c.failed++
		}
	}
	sort.Strings(tiers)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tDONE\tFAILED\tPENDING\tTOTAL")
	var total tierCount
	for _, tier := range tiers {
		c := counts[tier]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", tier, c.done, c.failed, c.total-c.done-c.failed, c.total)
		total.total += c.total
		total.done += c.done
		total.failed += c.failed
	}
	fmt.Fprintf(w, "all\t%d\t%d\t%d\t%d\n", total.done, total.failed, total.total-total.done-total.failed, total.total)
	w.Flush()

	// Last recorded session, if processing has run before
	if _, err := os.Stat(cfg.General.DatabasePath); err == nil {
		store, err := runstore.New(cfg.General.DatabasePath)
		if err == nil {
			defer store.Close()
			if sessions, err := store.ListSessions(1); err == nil && len(sessions) > 0 {
				last := sessions[0]
				fmt.Printf("\nLast session: %s (%s, started %s)\n",
					last.ID, last.Status, humanize.Time(last.StartedAt))
			}
		}
	}

	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return showSessionDetail(store, args[0])
	}

	sessions, err := store.ListSessions(sessionsLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMODE\tSTATUS\tSTARTED\tPROCESSED\tCOMPLETED\tFAILED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Mode, s.Status, humanize.Time(s.StartedAt), s.Processed, s.Completed, s.Failed)
	}
	w.Flush()
	return nil
}

func showSessionDetail(store *runstore.Store, sessionID string) error {
	session, err := store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	fmt.Printf("Session %s: %s (%s, started %s)\n\n",
		session.ID, session.Status, session.Mode, humanize.Time(session.StartedAt))

	runs, err := store.ListRunsForSession(sessionID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tATTEMPT\tSTATUS\tSTAGE\tOUTPUT\tERROR")
	for _, r := range runs {
		errMsg := r.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ItemID, r.Attempt, r.Status, r.Stage, humanize.Bytes(uint64(r.OutputBytes)), errMsg)
	}
	w.Flush()
	return nil
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	itemID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parser := checklist.NewParser(cfg.General.ChecklistPath, cfg.General.RepoRoot, pathlock.NewRegistry())
	items, err := parser.Parse()
	if err != nil {
		return err
	}

	prefixTiers := checklist.BuildPrefixTierMap(items)
	runDir := ""
	for _, item := range items {
		if item.ID == itemID {
			heading := checklist.ResolveTierHeading(item, prefixTiers)
			runDir = filepath.Join(cfg.General.RunsDir, checklist.SanitizeTierName(heading), item.ID)
			break
		}
	}
	if runDir == "" {
		return fmt.Errorf("item %s not found in checklist", itemID)
	}

	mgr := checkpoint.NewManager(cfg.General.RunsDir)
	cp := mgr.Load(runDir, itemID)
	if cp == nil {
		fmt.Printf("No checkpoint for %s (detected phase: %s)\n", itemID, checkpoint.DetectPhase(runDir))
		return nil
	}

	fmt.Printf("Item: %s\nPhase: %s\nAttempt: %d\nUpdated: %s\n",
		cp.ItemID, cp.Phase, cp.Attempt, humanize.Time(cp.UpdatedAt))
	if len(cp.Artifacts) > 0 {
		fmt.Println("Artifacts:")
		for phase, paths := range cp.Artifacts {
			fmt.Printf("  %s: %d\n", phase, len(paths))
		}
	}
	if len(cp.Errors) > 0 {
		fmt.Println("Errors:")
		for _, e := range cp.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	fmt.Printf("\n%s\n", mgr.ResumeInstructions(cp))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	port := cfg.Web.Port
	if servePort > 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	runs := runmanager.New(string(cfg.General.Mode), nil)
	server := api.NewServer(runs, store, nil, addr)

	fmt.Printf("Serving status API at http://%s\n", addr)
	return server.Start()
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	// One session at a time, whether triggered by an edit or a window
	var sessionMu sync.Mutex
	runSession := func(ctx context.Context, cfg *config.Config) error {
		sessionMu.Lock()
		defer sessionMu.Unlock()

		p, err := processor.New(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		go func() {
			<-ctx.Done()
			p.Cancel()
		}()

		result, err := p.Process(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Session done: %d processed, %d completed, %d failed\n",
			result.Processed, result.Completed, result.Failed)
		if err := buildNotifier(cfg).Send(notify.SessionFinished(result.Processed, result.Completed, result.Failed)); err != nil {
			fmt.Printf("Warning: notification failed: %v\n", err)
		}
		return nil
	}

	trigger := make(chan string, 1)
	watcher, err := observer.NewChecklistWatcher(cfg.General.ChecklistPath, func(path string) {
		select {
		case trigger <- path:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()
	watcher.Start(ctx)

	schedulePath := watchSchedule
	if schedulePath == "" {
		schedulePath = filepath.Join(cfg.General.StateDir, "schedule.toml")
	}
	schedule, err := batch.LoadScheduleConfig(schedulePath)
	if err != nil {
		return err
	}
	if len(schedule.Windows) > 0 {
		sched, err := batch.NewScheduler(schedule.Windows)
		if err != nil {
			return err
		}
		go sched.Start(func(w batch.WindowConfig) error {
			fmt.Printf("Window %s opened\n", w.Name)
			wcfg := *cfg
			w.Apply(&wcfg)
			windowCtx, cancel := context.WithTimeout(ctx, w.MaxDuration)
			defer cancel()
			return runSession(windowCtx, &wcfg)
		})
		defer sched.Stop()
		fmt.Printf("Scheduled windows: %s\n", strings.Join(windowNames(schedule.Windows), ", "))
	}

	fmt.Printf("Watching %s\n", cfg.General.ChecklistPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-trigger:
			fmt.Printf("Checklist changed: %s\n", path)
			if err := runSession(ctx, cfg); err != nil {
				fmt.Printf("Warning: session failed: %v\n", err)
			}
		}
	}
}

func windowNames(windows []batch.WindowConfig) []string {
	names := make([]string, len(windows))
	for i, w := range windows {
		names[i] = w.Name
	}
	return names
}
