// Package coretools registers the built-in tools every run gets: spawning
// child tasks, messaging the user, and scheduling self check-ins.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calder/steward/pkg/agentable"
	"github.com/calder/steward/pkg/store"
	"github.com/calder/steward/pkg/tools"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Spawner enqueues runs for newly created child work.
type Spawner interface {
	Enqueue(target agentable.Ref, runContext map[string]interface{}, delay time.Duration) (string, error)
}

// RegisterAll registers the built-in tool set.
func RegisterAll(registry *tools.Registry, st *store.Store, spawner Spawner, logger zerolog.Logger) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if st == nil {
		return errors.New("store is required")
	}

	set := []tools.Tool{
		spawnTaskTool(st, spawner),
		sendMessageTool(st),
		scheduleCheckInTool(spawner),
	}
	for _, tool := range set {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	logger.Info().Int("tools", len(set)).Msg("Core tools registered")
	return nil
}

func spawnTaskTool(st *store.Store, spawner Spawner) tools.Tool {
	return tools.Tool{
		Name:        "spawn_task",
		Description: "Delegate a unit of work to a new child task. The task runs autonomously and reports its result when done.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"title": map[string]interface{}{
					"type":        "string",
					"description": "Short title of the task",
				},
				"instructions": map[string]interface{}{
					"type":        "string",
					"description": "What the task should accomplish",
				},
			},
			"required": []interface{}{"title"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			title, _ := args["title"].(string)
			instructions, _ := args["instructions"].(string)

			parentRef, ok := agentable.SelfRefFrom(ctx)
			if !ok {
				return "", errors.New("no owning agentable in context")
			}

			// The child inherits the parent's run context with the dispatch
			// key renamed, so a task spawned inside a feed-generation turn
			// is not itself classified as feed generation.
			childContext := agentable.ChildContext(agentable.RunContextFrom(ctx))

			now := time.Now().UTC()
			child := &agentable.Agentable{
				ID:          uuid.New().String(),
				Kind:        agentable.KindTask,
				Title:       title,
				Status:      agentable.StatusActive,
				ContextData: childContext,
				ParentID:    parentRef.ID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := st.CreateAgentable(ctx, child); err != nil {
				return "", fmt.Errorf("failed to create task: %w", err)
			}

			if instructions != "" {
				msg := &agentable.ThreadMessage{
					ID:          uuid.New().String(),
					AgentableID: child.ID,
					Role:        agentable.RoleUser,
					Content:     instructions,
					CreatedAt:   now,
				}
				if err := st.AddThreadMessage(ctx, msg); err != nil {
					return "", fmt.Errorf("failed to record task instructions: %w", err)
				}
			}

			childRef := agentable.Ref{Kind: agentable.KindTask, ID: child.ID}
			if spawner != nil {
				if _, err := spawner.Enqueue(childRef, childContext, 0); err != nil {
					return "", fmt.Errorf("failed to enqueue task run: %w", err)
				}
			}
			return fmt.Sprintf("Task %s created and queued.", child.ID), nil
		},
	}
}

func sendMessageTool(st *store.Store) tools.Tool {
	return tools.Tool{
		Name:        "send_message",
		Description: "Send a message to the user on this thread.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Message text",
				},
			},
			"required": []interface{}{"content"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			content, _ := args["content"].(string)
			if content == "" {
				return "", errors.New("content is required")
			}

			ref, ok := agentable.SelfRefFrom(ctx)
			if !ok {
				return "", errors.New("no owning agentable in context")
			}

			msg := &agentable.ThreadMessage{
				ID:          uuid.New().String(),
				AgentableID: ref.ID,
				Role:        agentable.RoleAssistant,
				Content:     content,
				Processed:   true,
				CreatedAt:   time.Now().UTC(),
			}
			if err := st.AddThreadMessage(ctx, msg); err != nil {
				return "", fmt.Errorf("failed to send message: %w", err)
			}
			return "Message sent.", nil
		},
	}
}

func scheduleCheckInTool(spawner Spawner) tools.Tool {
	return tools.Tool{
		Name:        "schedule_check_in",
		Description: "Schedule a future check-in for yourself. Use it to come back to this work later.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"delay_minutes": map[string]interface{}{
					"type":        "number",
					"description": "How many minutes from now to check in",
				},
				"note": map[string]interface{}{
					"type":        "string",
					"description": "What to look at when checking in",
				},
			},
			"required": []interface{}{"delay_minutes"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			if spawner == nil {
				return "", errors.New("scheduling is not available")
			}
			minutes, ok := args["delay_minutes"].(float64)
			if !ok || minutes <= 0 {
				return "", errors.New("delay_minutes must be a positive number")
			}

			ref, ok := agentable.SelfRefFrom(ctx)
			if !ok {
				return "", errors.New("no owning agentable in context")
			}

			runContext := map[string]interface{}{
				agentable.ContextKeyType: agentable.ContextTypeCheckIn,
			}
			if note, _ := args["note"].(string); note != "" {
				runContext["check_in"] = note
			}

			delay := time.Duration(minutes * float64(time.Minute))
			if _, err := spawner.Enqueue(ref, runContext, delay); err != nil {
				return "", fmt.Errorf("failed to schedule check-in: %w", err)
			}
			return fmt.Sprintf("Check-in scheduled in %s.", delay.Round(time.Second)), nil
		},
	}
}
