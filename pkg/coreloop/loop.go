// Package coreloop executes the model-call / tool-call cycle for one turn.
// The orchestrator treats it as a black box: it feeds a system prompt and a
// turn message in, and gets an opaque result record back.
package coreloop

import (
	"context"
	"fmt"
	"time"

	"github.com/calder/steward/internal/tracing"
	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/model"
	"github.com/calder/steward/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxIterations    = 20
	DefaultModelCallTimeout = 2 * time.Minute
)

// Store is the store surface the loop needs to persist conversation
// progress after each step, so an interrupted run leaves a repairable trail.
type Store interface {
	GetAgentable(ctx context.Context, id string) (*agentable.Agentable, error)
	SaveConversation(ctx context.Context, id string, entries []agentable.Entry) error
}

// Params configures one loop invocation.
type Params struct {
	Ref           agentable.Ref
	SystemPrompt  string
	TurnMessage   string
	Model         string
	MaxTokens     int
	MaxIterations int
	OnThink       func(text string)
}

// Result is the opaque record handed back to the orchestrator.
type Result struct {
	Iterations        int
	NaturalCompletion bool
	ToolsUsed         []string
	Usage             model.Usage
	FinalText         string
}

// Loop runs the model/tool cycle.
type Loop struct {
	store            Store
	client           model.Client
	registry         *tools.Registry
	modelCallTimeout time.Duration
	logger           zerolog.Logger
}

// Config holds loop configuration.
type Config struct {
	Store            Store
	Client           model.Client
	Registry         *tools.Registry
	ModelCallTimeout time.Duration
	Logger           zerolog.Logger
}

// New creates a run loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.ModelCallTimeout <= 0 {
		cfg.ModelCallTimeout = DefaultModelCallTimeout
	}

	return &Loop{
		store:            cfg.Store,
		client:           cfg.Client,
		registry:         cfg.Registry,
		modelCallTimeout: cfg.ModelCallTimeout,
		logger:           cfg.Logger,
	}, nil
}

// Run executes the cycle until the model stops requesting tools (natural
// completion) or the iteration ceiling is hit. The conversation is persisted
// after every model response and every batch of tool results.
func (l *Loop) Run(ctx context.Context, params Params) (Result, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"steward.coreloop",
		"coreloop.run",
		attribute.String("agentable_id", params.Ref.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	maxIterations := params.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	a, err := l.store.GetAgentable(ctx, params.Ref.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("failed to load agentable: %w", err)
	}

	entries := a.Conversation
	entries = append(entries, agentable.Entry{
		Role:      agentable.RoleUser,
		Text:      params.TurnMessage,
		Timestamp: time.Now().UTC(),
	})
	if err := l.store.SaveConversation(ctx, params.Ref.ID, entries); err != nil {
		return Result{}, fmt.Errorf("failed to persist turn message: %w", err)
	}

	result := Result{}
	toolsSeen := map[string]bool{}

	for iteration := 0; iteration < maxIterations; iteration++ {
		result.Iterations = iteration + 1

		response, err := l.callModel(ctx, params, entries)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}

		result.Usage.InputTokens += response.Usage.InputTokens
		result.Usage.OutputTokens += response.Usage.OutputTokens

		if response.Content != "" {
			entries = append(entries, agentable.Entry{
				Role:      agentable.RoleAssistant,
				Text:      response.Content,
				Timestamp: time.Now().UTC(),
			})
			result.FinalText = response.Content
			if params.OnThink != nil {
				params.OnThink(response.Content)
			}
		}

		if len(response.ToolCalls) == 0 {
			if err := l.store.SaveConversation(ctx, params.Ref.ID, entries); err != nil {
				return result, fmt.Errorf("failed to persist conversation: %w", err)
			}
			result.NaturalCompletion = true
			logger.Debug().
				Int("iterations", result.Iterations).
				Msg("Run loop completed naturally")
			return result, nil
		}

		for _, call := range response.ToolCalls {
			entries = append(entries, agentable.Entry{
				Role: agentable.RoleAssistant,
				ToolUse: &agentable.ToolUse{
					ID:    call.ID,
					Name:  call.Name,
					Input: call.Input,
				},
				Timestamp: time.Now().UTC(),
			})
		}
		// Persist the tool calls before executing them. If the worker dies
		// mid-call, the repairer can match the dangling tool_use.
		if err := l.store.SaveConversation(ctx, params.Ref.ID, entries); err != nil {
			return result, fmt.Errorf("failed to persist tool calls: %w", err)
		}

		for _, call := range response.ToolCalls {
			if !toolsSeen[call.Name] {
				toolsSeen[call.Name] = true
				result.ToolsUsed = append(result.ToolsUsed, call.Name)
			}

			execResult := l.registry.Execute(ctx, call.Name, call.Input)
			entries = append(entries, agentable.Entry{
				Role: agentable.RoleUser,
				ToolResult: &agentable.ToolResult{
					ID:      call.ID,
					Content: execResult.Output,
					IsError: execResult.IsError,
				},
				Timestamp: time.Now().UTC(),
			})
		}
		if err := l.store.SaveConversation(ctx, params.Ref.ID, entries); err != nil {
			return result, fmt.Errorf("failed to persist tool results: %w", err)
		}
	}

	logger.Info().
		Int("iterations", result.Iterations).
		Msg("Run loop hit iteration ceiling")
	return result, nil
}

func (l *Loop) callModel(ctx context.Context, params Params, entries []agentable.Entry) (*model.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.modelCallTimeout)
	defer cancel()

	return l.client.Call(callCtx, model.Request{
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		Messages:     ToModelMessages(entries),
		Tools:        l.toolDefs(),
		MaxTokens:    params.MaxTokens,
	})
}

func (l *Loop) toolDefs() []model.ToolDef {
	registered := l.registry.List()
	if len(registered) == 0 {
		return nil
	}
	defs := make([]model.ToolDef, 0, len(registered))
	for _, tool := range registered {
		defs = append(defs, model.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs
}

// ToModelMessages converts stored conversation entries into provider-neutral
// messages.
func ToModelMessages(entries []agentable.Entry) []model.Message {
	messages := make([]model.Message, 0, len(entries))
	for _, entry := range entries {
		switch {
		case entry.ToolUse != nil:
			messages = append(messages, model.Message{
				Role: "assistant",
				ToolCalls: []model.ToolCall{{
					ID:    entry.ToolUse.ID,
					Name:  entry.ToolUse.Name,
					Input: entry.ToolUse.Input,
				}},
			})
		case entry.ToolResult != nil:
			messages = append(messages, model.Message{
				Role:       "tool",
				Content:    entry.ToolResult.Content,
				ToolCallID: entry.ToolResult.ID,
				IsError:    entry.ToolResult.IsError,
			})
		default:
			messages = append(messages, model.Message{
				Role:    string(entry.Role),
				Content: entry.Text,
			})
		}
	}
	return messages
}
