// pulse is an interactive coding assistant for the terminal. It wires the
// orchestration loop to a model transport, a SQLite session store, and a
// set of workspace tools, and surfaces approval prompts inline.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/pulse-ide/pulse/agent"
	"github.com/pulse-ide/pulse/config"
	"github.com/pulse-ide/pulse/llm"
	"github.com/pulse-ide/pulse/persistence"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		workDir     string
		modeFlag    string
		dbPath      string
		metricsAddr string
		modelName   string
		resumeID    string
	)

	flags := pflag.NewFlagSet("pulse", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flags.StringVar(&workDir, "workdir", ".", "working directory the tools operate in")
	flags.StringVar(&modeFlag, "mode", "agent", "conversation mode: agent, plan, or ask")
	flags.StringVar(&dbPath, "db", "", "session database path (overrides config)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (overrides config)")
	flags.StringVar(&modelName, "model", "", "model identifier (overrides config)")
	flags.StringVar(&resumeID, "resume", "", "resume an existing session by ID")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if modelName != "" {
		cfg.Model.Name = modelName
	}

	mode := agent.Mode(modeFlag)
	switch mode {
	case agent.ModeAgent, agent.ModePlan, agent.ModeAsk:
	default:
		return fmt.Errorf("unknown mode %q (want agent, plan, or ask)", modeFlag)
	}

	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return err
	}

	client, err := llm.NewClientFromEnv(cfg.Model.Name)
	if err != nil {
		return err
	}

	store, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var state *agent.ConversationState
	if resumeID != "" {
		state, err = store.LoadSession(resumeID)
		if err != nil {
			return fmt.Errorf("resume session %s: %w", resumeID, err)
		}
		state.Mode = mode
	} else {
		state = agent.NewConversationState(absWorkDir, mode)
	}
	if err := store.SaveSession(state); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics listener: %v\n", err)
			}
		}()
	}

	loopCfg := agent.LoopConfig{
		Model:                  cfg.Model.Name,
		SystemPrompt:           cfg.Model.SystemPrompt,
		MaxToolRounds:          cfg.Loop.MaxToolRounds,
		RetryPolicy:            llm.RetryPolicy{MaxRetries: cfg.Model.MaxRetries, BaseDelay: cfg.Model.BaseDelay.Seconds(), MaxDelay: cfg.Model.MaxDelay.Seconds(), BackoffMultiplier: 2, Jitter: true},
		CompactionBudgetTokens: cfg.Compaction.BudgetTokens,
		RetainTurns:            cfg.Compaction.RetainTurns,
		ApprovalTimeout:        cfg.Approval.Timeout,
		ToolCharLimits:         cfg.Tools.CharLimits,
		ToolLineLimits:         cfg.Tools.LineLimits,
		LoopDetection:          cfg.Loop.LoopDetection,
		LoopDetectionWindow:    cfg.Loop.LoopDetectionWindow,
		MaxWorkflowDepth:       cfg.Loop.MaxWorkflowDepth,
		MediumRiskPatterns:     cfg.Approval.MediumRiskPatterns,
		HighRiskPatterns:       cfg.Approval.HighRiskPatterns,
	}

	registry := agent.NewRegistry()
	registerBuiltinTools(registry, absWorkDir)
	runner := agent.NewWorkflowRunner(client, registry, loopCfg, absWorkDir, mode, cfg.Loop.MaxWorkflowDepth)
	agent.RegisterWorkflowTool(registry, runner)

	// Approval prompting hangs off the gate's request hook, which runs on
	// the suspended run's own goroutine: unlike the event channel it can
	// never drop a request, so a pending approval always reaches the
	// terminal.
	in := bufio.NewReader(os.Stdin)
	var gate *agent.ApprovalGate
	gate = agent.NewApprovalGate(cfg.Approval.Timeout, func(req *agent.ApprovalRequest) {
		promptApproval(gate, req, in)
	})
	loop := agent.NewLoop(client, registry, state, loopCfg,
		agent.WithStore(store), agent.WithGate(gate))

	// SIGTERM aborts outright; Ctrl-C during a run cancels cooperatively
	// (handled in the repl) so the transcript stays consistent.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	fmt.Printf("pulse session %s (%s mode, %s)\n", state.SessionID, mode, absWorkDir)
	fmt.Println(`Type a request, or "exit" to quit. Press Ctrl-C to cancel a running turn.`)

	return repl(ctx, loop, in)
}

// repl reads user input and drives the loop one run at a time: approval
// prompts and status lines are handled inline while the run is active.
func repl(ctx context.Context, loop *agent.Loop, in *bufio.Reader) error {
	for {
		fmt.Print("\n> ")
		line, err := in.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		type outcome struct {
			res *agent.RunResult
			err error
		}
		done := make(chan outcome, 1)
		runCtx, cancelRun := context.WithCancel(ctx)
		go func() {
			res, err := loop.Run(runCtx, input)
			done <- outcome{res, err}
		}()

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)

		var result outcome
	eventLoop:
		for {
			select {
			case <-interrupts:
				fmt.Println("\ncancelling…")
				loop.Cancel()
			case ev := <-loop.Events():
				handleEvent(ev)
			case result = <-done:
				break eventLoop
			}
		}
		signal.Stop(interrupts)
		cancelRun()

		if result.err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", result.err)
			continue
		}
		switch result.res.Reason {
		case agent.ReasonCancelled:
			fmt.Println("(cancelled)")
		default:
			fmt.Println(result.res.FinalText)
		}
	}
}

// handleEvent renders status and warning lines while a run is active.
func handleEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventStatus:
		if text, ok := ev.Data["text"].(string); ok {
			fmt.Printf("  %s\n", text)
		}
	case agent.EventWarning:
		if text, ok := ev.Data["warning"].(string); ok {
			fmt.Printf("  warning: %s\n", text)
		}
	}
}

// promptApproval runs inside the gate's request hook, so Resolve lands on
// the channel the suspended run is about to park on.
func promptApproval(gate *agent.ApprovalGate, req *agent.ApprovalRequest, in *bufio.Reader) {
	fmt.Printf("\n[%s] %s wants to run:\n%s\n", req.RiskLabel, req.ToolName, req.Preview)
	if req.Rationale != "" {
		fmt.Printf("(%s)\n", req.Rationale)
	}
	fmt.Print("approve? [y/N] ")

	line, err := in.ReadString('\n')
	if err != nil {
		_ = gate.Resolve(req.ID, agent.Verdict{Approved: false, Reason: "input closed"})
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	verdict := agent.Verdict{Approved: answer == "y" || answer == "yes"}
	if !verdict.Approved {
		verdict.Reason = "denied at the terminal"
	}
	if err := gate.Resolve(req.ID, verdict); err != nil {
		fmt.Fprintf(os.Stderr, "resolve approval: %v\n", err)
	}
}
