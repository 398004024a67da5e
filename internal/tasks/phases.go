package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/events"
	"warden/internal/providers"
)

// Completer is the backend surface the phase executor calls. Satisfied by
// *providers.Invoker.
type Completer interface {
	Complete(ctx context.Context, action providers.Action, req providers.Request) (*providers.Response, error)
}

// PhaseState is the shared bag accumulated across phases of one execution.
type PhaseState map[string]any

// Phase is one named step of a multi-step subagent execution.
type Phase struct {
	Name string
	// Prompt builds the backend prompt from the task and accumulated state.
	Prompt func(t *Task, state PhaseState) string
	// Extract interprets the response and mutates the state bag. Optional.
	Extract func(response string, state PhaseState) error
}

// PhaseExecutor runs an ordered list of phases against a task. Phases are
// strictly sequential: each prompt may depend on state accumulated by the
// phases before it.
type PhaseExecutor struct {
	completer Completer
	bus       *events.Bus
	phases    []Phase
}

// NewPhaseExecutor creates an executor over a fixed phase list.
func NewPhaseExecutor(completer Completer, bus *events.Bus, phases []Phase) *PhaseExecutor {
	return &PhaseExecutor{completer: completer, bus: bus, phases: phases}
}

// DefaultPhases is the standard explore, plan, execute pipeline for
// autonomous subagents.
func DefaultPhases() []Phase {
	return []Phase{
		{
			Name: "explore",
			Prompt: func(t *Task, _ PhaseState) string {
				return fmt.Sprintf("Investigate the following task and list the relevant context, constraints, and unknowns.\n\nTask: %s", t.Description)
			},
			Extract: func(response string, state PhaseState) error {
				state["exploration"] = response
				return nil
			},
		},
		{
			Name: "plan",
			Prompt: func(t *Task, state PhaseState) string {
				return fmt.Sprintf("Given this exploration:\n\n%v\n\nProduce a short ordered plan for: %s", state["exploration"], t.Description)
			},
			Extract: func(response string, state PhaseState) error {
				state["plan"] = response
				return nil
			},
		},
		{
			Name: "execute",
			Prompt: func(t *Task, state PhaseState) string {
				return fmt.Sprintf("Execute this plan and report the outcome.\n\nPlan:\n%v\n\nTask: %s", state["plan"], t.Description)
			},
		},
	}
}

// Execute runs every phase in order and returns the combined result.
// On backend or extractor error the execution fails as a whole.
func (pe *PhaseExecutor) Execute(ctx context.Context, t *Task) (*TaskResult, error) {
	state := PhaseState{
		"task_id":     t.ID,
		"description": t.Description,
	}
	meta := events.Meta{SessionKey: t.SessionKey}
	start := time.Now()

	var outputs []string
	for _, phase := range pe.phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pe.bus.PublishTyped(events.AgentThinkingPayload{
			TaskID: t.ID,
			Phase:  phase.Name,
		}, meta)

		resp, err := pe.completer.Complete(ctx, providers.ActionSubagent, providers.Request{
			Prompt: phase.Prompt(t, state),
		})
		if err != nil {
			return nil, fmt.Errorf("phase %s: %w", phase.Name, err)
		}

		state["phase:"+phase.Name] = resp.Text
		outputs = append(outputs, resp.Text)

		if phase.Extract != nil {
			if err := phase.Extract(resp.Text, state); err != nil {
				return nil, fmt.Errorf("phase %s extract: %w", phase.Name, err)
			}
		}
	}

	return &TaskResult{
		Output:     strings.Join(outputs, "\n\n"),
		DurationMs: time.Since(start).Milliseconds(),
		Data:       map[string]any{"phases": len(pe.phases)},
	}, nil
}
