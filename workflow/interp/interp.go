// Package interp walks a workflow's step graph against a fired trigger's
// data. Conditions route the walk, actions call out through the
// integration dispatcher, and every step leaves a result row for the
// run's execution log.
package interp

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/store/events"
	"github.com/conduitflow/conduit/store/users"
	"github.com/conduitflow/conduit/workflow"
)

// maxSteps bounds a single run. Validation rejects unresolvable targets
// but cannot rule out cycles; the walk gives up rather than spin.
const maxSteps = 100

// Interpreter executes workflow step graphs.
type Interpreter struct {
	dispatcher *integration.Dispatcher
	events     *eventlog.Log
}

// New creates an Interpreter.
func New(d *integration.Dispatcher, ev *eventlog.Log) *Interpreter {
	return &Interpreter{dispatcher: d, events: ev}
}

// Run walks wf's steps with the given trigger data. It returns the step
// results accumulated so far and a non-nil error only when an action
// failed in a way the caller may retry; config-level failures mark the
// failing step's result and end the walk cleanly.
func (i *Interpreter) Run(ctx context.Context, user *users.User, wf *workflow.Workflow, runID string, data map[string]any) ([]workflow.StepResult, error) {
	if data == nil {
		data = make(map[string]any)
	}
	// Step outputs become addressable downstream as {{steps.<id>...}}.
	outputs := make(map[string]any)
	data["steps"] = outputs

	var results []workflow.StepResult
	idx := wf.StepIndex()
	stepID := wf.StartStep()
	for count := 0; stepID != ""; count++ {
		step, ok := idx[stepID]
		if !ok {
			// An empty or dangling target ends the walk.
			break
		}
		if count >= maxSteps {
			results = append(results, workflow.StepResult{
				StepID: step.ID,
				Type:   step.Type,
				Status: workflow.ResultFailed,
				Detail: fmt.Sprintf("aborted after %d steps", maxSteps),
			})
			return results, nil
		}

		switch step.Type {
		case workflow.StepCondition:
			res := i.evalCondition(&step, data)
			results = append(results, res)
			stepID = res.Next

		case workflow.StepAction:
			res, out, err := i.runAction(ctx, user, wf, runID, &step, data)
			results = append(results, res)
			if err != nil {
				return results, err
			}
			if res.Status == workflow.ResultFailed {
				return results, nil
			}
			outputs[step.ID] = out
			stepID = step.Next

		default:
			// A trigger reached mid-walk carries no behavior.
			stepID = step.Next
		}
	}
	return results, nil
}

// evalCondition routes through the step's clauses: the first clause whose
// predicate holds wins its Then branch; when none hold the first clause
// carrying an Else branch is taken, wherever it sits in the list. A
// predicate that fails to parse evaluates false.
func (i *Interpreter) evalCondition(step *workflow.Step, data map[string]any) workflow.StepResult {
	res := workflow.StepResult{
		StepID: step.ID,
		Type:   step.Type,
		Status: workflow.ResultSuccess,
	}
	elseIdx := -1
	for idx, clause := range step.Clauses {
		pred, ok := workflow.ParsePredicate(clause.If)
		matched := ok && evalPredicate(pred, data)
		if matched {
			res.Next = clause.Then
			res.Detail = fmt.Sprintf("clause %d matched: %s", idx, clause.If)
			return res
		}
		if elseIdx < 0 && clause.Else != "" {
			elseIdx = idx
		}
	}
	if elseIdx >= 0 {
		res.Next = step.Clauses[elseIdx].Else
		res.Detail = fmt.Sprintf("no clause matched, taking else of clause %d", elseIdx)
	} else {
		res.Detail = "no clause matched"
	}
	return res
}

// evalPredicate compares the stringified value at the predicate's path
// against its literal, case-insensitively. A missing path compares as the
// empty string.
func evalPredicate(p workflow.Predicate, data map[string]any) bool {
	v, _ := Lookup(data, p.Path)
	actual := strings.ToLower(Stringify(v))
	literal := strings.ToLower(p.Literal)
	switch p.Op {
	case workflow.OpContains:
		return strings.Contains(actual, literal)
	case workflow.OpNotContains:
		return !strings.Contains(actual, literal)
	case workflow.OpEquals:
		return actual == literal
	case workflow.OpNotEquals:
		return actual != literal
	}
	return false
}

func (i *Interpreter) runAction(ctx context.Context, user *users.User, wf *workflow.Workflow, runID string, step *workflow.Step, data map[string]any) (workflow.StepResult, any, error) {
	res := workflow.StepResult{
		StepID: step.ID,
		Type:   step.Type,
		Next:   step.Next,
	}
	refs := eventlog.Refs{UserID: user.ID, WorkflowID: wf.ID, RunID: runID}
	details := map[string]any{"step_id": step.ID, "action": step.ActionID}

	spec, ok := actionTable[step.ActionID]
	if !ok {
		res.Status = workflow.ResultFailed
		res.Detail = fmt.Sprintf("unknown action %q", step.ActionID)
		i.events.Record(ctx, events.ActionFailed, withError(details, res.Detail), refs)
		return res, nil, nil
	}

	cfg := RenderConfig(step.Config, data)
	if key := spec.missingConfig(cfg); key != "" {
		res.Status = workflow.ResultFailed
		res.Detail = fmt.Sprintf("action %q is missing config %q", step.ActionID, key)
		i.events.Record(ctx, events.ActionFailed, withError(details, res.Detail), refs)
		return res, nil, nil
	}

	args := spec.build(cfg)
	switch step.ActionID {
	case "send_dm":
		if err := i.resolveDMTarget(ctx, user, args); err != nil {
			res.Status = workflow.ResultFailed
			res.Detail = err.Error()
			i.events.Record(ctx, events.ActionFailed, withError(details, res.Detail), refs)
			return res, nil, nil
		}
	case "reply_to_email":
		resolveReplyRecipient(args, data)
	}

	i.events.Record(ctx, events.ActionStarted, details, refs)
	out, err := i.dispatcher.CallAction(ctx, user, wf.Name, spec.app, spec.method, args)
	if err != nil {
		res.Status = workflow.ResultFailed
		res.Detail = err.Error()
		i.events.Record(ctx, events.ActionFailed, withError(details, err.Error()), refs)
		switch integration.KindOf(err) {
		case integration.KindInvalidRequest:
			// Bad arguments will not improve with retries.
			return res, nil, nil
		}
		return res, nil, err
	}

	res.Status = workflow.ResultSuccess
	if m, ok := out.(map[string]any); ok {
		res.Output = m
	}
	i.events.Record(ctx, events.ActionCompleted, details, refs)
	log.Printf(ctx, "action %s (%s) completed for workflow %s", step.ActionID, spec, wf.ID)
	return res, out, nil
}

// resolveDMTarget fills the DM recipient from the Slack credential
// metadata when the step config names none. The metadata carries the
// installing user recorded at connect time.
func (i *Interpreter) resolveDMTarget(ctx context.Context, user *users.User, args map[string]any) error {
	if s, ok := args["userId"].(string); ok && strings.TrimSpace(s) != "" {
		return nil
	}
	meta, err := i.dispatcher.Metadata(ctx, user.ID, "slack")
	if err != nil {
		return fmt.Errorf("resolve dm recipient: %w", err)
	}
	if authed, ok := meta["authed_user"].(map[string]any); ok {
		if id, ok := authed["id"].(string); ok && id != "" {
			args["userId"] = id
			return nil
		}
	}
	if id, ok := meta["installer_user_id"].(string); ok && id != "" {
		args["userId"] = id
		return nil
	}
	return fmt.Errorf("send_dm has no recipient and the slack connection records no installing user")
}

// resolveReplyRecipient fills the reply address from the triggering
// email's sender when the step config names none.
func resolveReplyRecipient(args, data map[string]any) {
	if s, ok := args["to"].(string); ok && strings.TrimSpace(s) != "" {
		return
	}
	if from, ok := Lookup(data, "trigger.from"); ok {
		if s, isStr := from.(string); isStr && s != "" {
			args["to"] = s
		}
	}
}

func withError(details map[string]any, msg string) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["error"] = msg
	return out
}
