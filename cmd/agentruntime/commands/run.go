package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpd-ai/agentruntime/internal/agent"
	"github.com/hpd-ai/agentruntime/internal/agentloop"
	"github.com/hpd-ai/agentruntime/internal/classifier"
	"github.com/hpd-ai/agentruntime/internal/config"
	"github.com/hpd-ai/agentruntime/internal/eventbus"
	"github.com/hpd-ai/agentruntime/internal/executor"
	"github.com/hpd-ai/agentruntime/internal/middleware"
	"github.com/hpd-ai/agentruntime/internal/permission"
	"github.com/hpd-ai/agentruntime/internal/provider"
	"github.com/hpd-ai/agentruntime/internal/storage"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

var (
	runModel string
	runAgent string
	runDir   string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single agentic turn against a prompt and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runMain,
}

func init() {
	runCmd.Flags().StringVar(&runModel, "model", "", "provider/model override, e.g. anthropic/claude-sonnet-4-20250514")
	runCmd.Flags().StringVar(&runAgent, "agent", "build", "primary agent to run the turn as")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for file/bash tools (defaults to cwd)")
}

func runMain(cmd *cobra.Command, args []string) error {
	prompt := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	workDir := runDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	providers, err := provider.InitializeProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing providers: %w", err)
	}

	providerID, modelID := provider.ParseModelString(cfg.Model)
	if runModel != "" {
		providerID, modelID = provider.ParseModelString(runModel)
	}
	var selectedModel types.Model
	if providerID != "" && modelID != "" {
		m, err := providers.GetModel(providerID, modelID)
		if err != nil {
			return fmt.Errorf("resolving model %s: %w", runModel, err)
		}
		selectedModel = *m
	} else {
		m, err := providers.DefaultModel()
		if err != nil {
			return fmt.Errorf("no model configured: %w", err)
		}
		selectedModel = *m
		providerID = selectedModel.ProviderID
	}
	prov, err := providers.Get(providerID)
	if err != nil {
		return fmt.Errorf("resolving provider %s: %w", providerID, err)
	}

	agents := agent.NewRegistry()
	selectedAgent, err := agents.Get(runAgent)
	if err != nil {
		return fmt.Errorf("resolving agent %s: %w", runAgent, err)
	}
	if !selectedAgent.IsPrimary() {
		return fmt.Errorf("agent %s is not runnable as a primary agent (mode: %s)", runAgent, selectedAgent.Mode)
	}

	registry := tool.DefaultRegistry(workDir)
	registry.RegisterTaskTool(agents)

	store := storage.NewMemoryStore()
	sessions := agentloop.NewSessionManager(store)

	broker := permission.NewBroker()
	clsfr := classifier.New(nil)

	chain := middleware.NewChain(
		middleware.NewRetryMiddleware(clsfr, time.Second, 30*time.Second, 2.0, 3),
		middleware.NewTimeoutMiddleware(5*time.Minute),
		middleware.NewErrorFormattingMiddleware(true),
		middleware.NewPermissionMiddleware(broker, workDir),
		middleware.NewContainerMiddleware(registry),
		middleware.NewHistoryReductionMiddleware(cfg.History, nil),
	)

	loop := agentloop.New(store, registry, chain, clsfr)

	subExec := executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Sessions:          sessions,
		Loop:              loop,
		Providers:         providers,
		Agents:            agents,
		WorkDir:           workDir,
		DefaultProviderID: providerID,
		DefaultModelID:    selectedModel.ID,
	})
	registry.SetTaskExecutor(subExec)

	session, err := sessions.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	bus := eventbus.New(256)
	defer bus.Close()
	go printEvents(bus)

	run := agentloop.Run{
		SessionID: session.ID,
		BranchID:  types.MainBranchID,
		AgentName: runAgent,
		Agent:     selectedAgent.Permission,
		Provider:  prov,
		Model:     selectedModel,
		System:    selectedAgent.Prompt,
	}

	userMsg := types.Message{
		ID:   session.ID + "-msg-0",
		Role: types.RoleUser,
		Content: []types.ContentItem{
			&types.TextContent{Type: "text", Text: prompt},
		},
	}

	runCtx, end, err := sessions.BeginRun(ctx, session.ID, types.MainBranchID)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	defer end()

	if err := loop.RunTurn(runCtx, bus, run, userMsg); err != nil {
		return fmt.Errorf("turn failed: %w", err)
	}

	fmt.Println()
	return nil
}

// printEvents streams a run's text deltas to stdout as they arrive,
// discarding the rest of the event stream; a richer client would
// render tool calls and permission prompts instead.
func printEvents(bus *eventbus.Bus) {
	for ev := range bus.Subscribe() {
		switch ev.Type {
		case types.EventTextMessageDelta:
			if d, ok := ev.Data.(*types.ContentDeltaData); ok {
				fmt.Print(d.Delta)
			}
		case types.EventToolCallStart:
			if d, ok := ev.Data.(*types.ToolCallStartData); ok {
				fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", d.Name)
			}
		case types.EventMessageTurnError:
			if d, ok := ev.Data.(*types.MessageTurnErrorData); ok {
				fmt.Fprintln(os.Stderr, strings.TrimSpace("\nerror: "+d.Message))
			}
		}
	}
}
