package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"internal-perplexity/research/api/server"
	"internal-perplexity/research/internal/config"
	"internal-perplexity/research/internal/logging"
	"internal-perplexity/research/llm/agents/main-agents/orchestrator"
	"internal-perplexity/research/llm/events"
)

var (
	configFile string
	verbose    bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "research",
		Short: "Research agent - tool-using question answering with cited sources",
		Long: `An autonomous research agent that answers open-ended questions by reasoning,
calling search, page-visit and code tools, and writing a cited answer. Questions
run in process or are split into sub-questions researched in parallel.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Serve research requests, job submission and job event streams over HTTP.`,
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	var workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a subtask worker",
		Long:  `Consume subtasks from the Redis queue and push their results back. Requires the redis backend.`,
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}

	var askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question in this process",
		Long:  `Plan, research and answer a question, printing progress events as they happen.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	var jobCmd = &cobra.Command{
		Use:   "job [question]",
		Short: "Run a distributed research job",
		Long:  `Split a question into sub-questions, research them in parallel and synthesize one answer.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runJob,
	}

	var listenCmd = &cobra.Command{
		Use:   "listen [job-id]",
		Short: "Print the events of a running job",
		Long:  `Subscribe to a job's event channel and print events until it completes. Requires the redis backend.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runListen,
	}
	listenCmd.Flags().Duration("timeout", 15*time.Minute, "give up when the job has not finished after this long")

	var toolCmd = &cobra.Command{
		Use:   "tool [name] [json-arguments]",
		Short: "Call a configured tool",
		Long:  `Call one configured tool and print the observation exactly as the agent would receive it.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runTool,
	}

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  `Manage research configuration files.`,
	}

	var configInitCmd = &cobra.Command{
		Use:   "init [filename]",
		Short: "Create a default configuration file",
		Long:  `Generate a default configuration file with all available options.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}

	var configValidateCmd = &cobra.Command{
		Use:   "validate [filename]",
		Short: "Validate a configuration file",
		Long:  `Validate the syntax and values of a configuration file.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigValidate,
	}

	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, askCmd, jobCmd, listenCmd, toolCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.LogFormat)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if verbose {
		logger.Debug().Msgf("configuration: %s", cfg.String())
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.NewServer(server.Config{
		Address:         cfg.Server.Addr(),
		ReadTimeout:     config.Seconds(cfg.Server.ReadTimeout),
		ShutdownTimeout: config.Seconds(cfg.Server.ShutdownTimeout),
		StreamTimeout:   config.Seconds(cfg.Server.StreamTimeout),
	}, server.Dependencies{
		Researcher:  a.primary,
		Jobs:        a.orchestrator,
		Broadcaster: a.broadcaster,
	}, logger)

	return srv.Start(ctx)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.worker()
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	result, err := a.primary.Run(ctx, question, events.PublisherFunc(func(_ context.Context, ev events.Event) error {
		printEvent(ev)
		return nil
	}))
	if err != nil {
		return fmt.Errorf("research failed: %w", err)
	}

	fmt.Printf("\n%s\n", result.Prediction)
	fmt.Printf("\n[%s after %d rounds in %s]\n", result.Termination, result.Rounds, result.Elapsed().Round(time.Millisecond))
	return nil
}

func runTool(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	raw := ""
	if len(args) > 1 {
		raw = args[1]
	}
	out, err := a.callTool(ctx, args[0], raw)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Subscribe before the job starts so no event is missed.
	jobID := uuid.NewString()
	a, err := newApp(ctx, cfg, logger, orchestrator.WithIDGenerator(func() string { return jobID }))
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := a.broadcaster.Subscribe(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to job events: %w", err)
	}
	defer sub.Close()

	job, err := a.orchestrator.Submit(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	fmt.Printf("job %s (channel %s)\n", job.ID, job.Channel)

	timeout := config.Seconds(cfg.Orchestrator.JobTimeout) + time.Minute
	final, err := events.Drain(ctx, sub, timeout, printEvent)
	if err != nil {
		return fmt.Errorf("job did not finish: %w", err)
	}
	return printFinal(final)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if cfg.Orchestrator.Backend != "redis" {
		return fmt.Errorf("listen requires orchestrator.backend=redis")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	final, err := events.Listen(ctx, a.broadcaster, args[0], timeout, printEvent)
	if err != nil {
		return fmt.Errorf("job did not finish: %w", err)
	}
	return printFinal(final)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	filename := "research-config.yaml"
	if len(args) > 0 {
		filename = args[0]
	}

	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file already exists: %s", filename)
	}

	cfg := config.DefaultConfig()
	if err := cfg.SaveToFile(filename); err != nil {
		return fmt.Errorf("failed to save config: %v", err)
	}

	fmt.Printf("Default configuration saved to: %s\n", filename)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	filename := args[0]

	cfg, err := config.LoadConfigFromFile(filename)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %v", err)
	}

	fmt.Printf("Configuration file %s is valid\n", filename)
	if verbose {
		fmt.Println(cfg.String())
	}
	return nil
}

// printEvent writes one progress line. Thinking and answer chunks are only
// shown with --verbose since the final answer is printed at the end.
func printEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeThinkingChunk, events.TypeAnswerChunk:
		if verbose {
			fmt.Print(ev.String("content"))
		}
	case events.TypeThinkingComplete:
		if verbose {
			fmt.Println()
		}
	case events.TypeStatus:
		fmt.Printf("- %s\n", ev.Message)
	case events.TypePlan:
		fmt.Printf("- plan: %v\n", ev.Field("plan"))
	case events.TypeToolCall:
		fmt.Printf("- calling %s %s\n", ev.String("tool"), ev.String("arguments"))
	case events.TypeToolError:
		fmt.Printf("- tool error: %s\n", ev.String("error"))
	case events.TypeSubtaskStarted:
		fmt.Printf("- subtask %d: %s\n", ev.Int("index"), ev.String("sub_question"))
	case events.TypeSubtaskCompleted:
		fmt.Printf("- subtask %d finished: %s\n", ev.Int("index"), ev.String("termination"))
	case events.TypeError:
		fmt.Printf("- error: %s %s\n", ev.Message, ev.String("error"))
	}
}

func printFinal(final events.Event) error {
	if final.Type == events.TypeError {
		return fmt.Errorf("job failed: %s", final.String("error"))
	}
	fmt.Printf("\n%s\n", final.String("answer"))
	fmt.Printf("\n[%s after %d rounds]\n", final.String("termination"), final.Int("rounds"))
	return nil
}
