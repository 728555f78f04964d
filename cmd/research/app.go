package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"internal-perplexity/research/internal/config"
	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/budget"
	"internal-perplexity/research/llm/agents/main-agents/orchestrator"
	"internal-perplexity/research/llm/agents/main-agents/primary"
	"internal-perplexity/research/llm/agents/planner"
	"internal-perplexity/research/llm/agents/react"
	"internal-perplexity/research/llm/agents/sub-agents/researcher"
	"internal-perplexity/research/llm/agents/sub-agents/synthesis"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/providers/openai"
	"internal-perplexity/research/llm/providers/shared"
	"internal-perplexity/research/llm/providers/transport"
	"internal-perplexity/research/llm/queue"
	"internal-perplexity/research/llm/tools"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// limiters is shared by every app in the process so callers of one model
// endpoint draw from a single request budget
var limiters = transport.NewLimiterPool()

// app holds every component built from one configuration
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis       redis.UniversalClient
	broadcaster events.Broadcaster
	registry    *tools.Registry
	limiter     *transport.Limiter
	caller      *transport.Caller

	primary      *primary.PrimaryAgent
	runner       *researcher.Runner
	pool         *queue.Pool
	orchestrator *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...orchestrator.Option) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	provider, err := openai.NewProvider(openai.Config{
		Type:    shared.ProviderType(cfg.LLM.Provider),
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		OrgID:   cfg.LLM.OrgID,
		Timeout: config.Seconds(cfg.LLM.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	a.limiter = limiters.For(provider.Name()+" "+cfg.LLM.BaseURL, cfg.LLM.RequestsPerSecond, 1)
	a.caller = transport.NewCaller(provider,
		shared.CompletionOptions{
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
		},
		transport.RetryConfig{
			Attempts:  cfg.LLM.Retry.Attempts,
			BaseDelay: config.Seconds(cfg.LLM.Retry.BaseDelay),
			MaxDelay:  config.Seconds(cfg.LLM.Retry.MaxDelay),
		},
		transport.WithLimiter(a.limiter),
		transport.WithLogger(logger),
	)

	a.registry = tools.NewRegistry()
	client := &http.Client{}
	for _, tc := range cfg.Tools {
		remote := tools.NewRemoteTool(tools.RemoteConfig{
			Name:        tc.Name,
			Description: tc.Description,
			Endpoint:    tc.Endpoint,
			Timeout:     config.Seconds(tc.Timeout),
		}, client)
		if err := a.registry.Register(remote); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", tc.Name, err)
		}
	}
	if len(cfg.Tools) == 0 {
		logger.Warn().Msg("no tools configured, the agent can only answer from the model")
	}

	if cfg.Orchestrator.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.broadcaster = events.NewRedis(a.redis, cfg.Redis.Prefix, logger)
	} else {
		a.broadcaster = events.NewHub(cfg.Orchestrator.HubBuffer, logger)
	}

	prompts := agents.NewSystemPromptManager()
	loop := react.NewLoop(a.caller, a.registry, prompts, react.Config{
		PreviewChars:     cfg.Agent.PreviewChars,
		AnswerChunkSize:  cfg.Agent.AnswerChunkSize,
		AnswerChunkDelay: config.Seconds(cfg.Agent.AnswerChunkDelay),
	}, logger)
	plan := planner.NewPlanner(a.caller, prompts, cfg.Orchestrator.MaxParallelSubtasks, logger)

	var primaryPlanner *planner.Planner
	if cfg.Agent.Planning {
		primaryPlanner = plan
	}
	a.primary = primary.NewPrimaryAgent(primaryPlanner, loop, budget.Limits{
		MaxRounds:        cfg.Agent.MaxRounds,
		MaxTime:          config.Seconds(cfg.Agent.MaxTime),
		MaxContextTokens: cfg.Agent.MaxContextTokens,
	}, logger)

	a.runner = researcher.NewRunner(loop, budget.Limits{
		MaxRounds:        cfg.Agent.SubtaskMaxRounds,
		MaxTime:          config.Seconds(cfg.Agent.SubtaskMaxTime),
		MaxContextTokens: cfg.Agent.SubtaskMaxContextTokens,
	}, logger)

	var q queue.Queue
	if a.redis != nil {
		q = queue.NewRedisQueue(a.redis, cfg.Redis.Prefix, logger)
	} else {
		a.pool = queue.NewPool(cfg.Orchestrator.WorkerConcurrency, a.runner.Handler(a.broadcaster), logger)
		q = a.pool
	}

	a.orchestrator = orchestrator.New(plan, q, synthesis.New(a.caller, prompts, logger), a.broadcaster, orchestrator.Config{
		MaxParallelSubtasks: cfg.Orchestrator.MaxParallelSubtasks,
		JobTimeout:          config.Seconds(cfg.Orchestrator.JobTimeout),
		ChannelPrefix:       cfg.Redis.Prefix,
	}, logger, opts...)

	return a, nil
}

// callTool runs a registered tool with JSON-encoded arguments. Tool failures
// come back as observation text, the same way the reasoning loop sees them.
func (a *app) callTool(ctx context.Context, name, rawArgs string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	return a.registry.Call(ctx, name, args), nil
}

// worker returns a Redis worker running subtasks with this app's researcher
func (a *app) worker() (*queue.Worker, error) {
	if a.redis == nil {
		return nil, fmt.Errorf("worker requires orchestrator.backend=redis")
	}
	return queue.NewWorker(a.redis, a.cfg.Redis.Prefix, a.runner.Handler(a.broadcaster), queue.WorkerOptions{
		Concurrency: a.cfg.Orchestrator.WorkerConcurrency,
		ResultTTL:   config.Seconds(a.cfg.Orchestrator.ResultTTL),
	}, a.logger), nil
}

func (a *app) Close() {
	a.orchestrator.Close()
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
}
