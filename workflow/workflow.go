// Package workflow defines the core workflow model: the step graph users
// author, the validation rules that keep it executable, and the in-process
// service the CRUD layer drives.
package workflow

import (
	"fmt"
	"time"
)

type (
	// StepType discriminates the step variants of a workflow graph.
	StepType string

	// Step is one node of a workflow graph. The populated fields depend on
	// Type: triggers and actions carry App and Config, conditions carry
	// Clauses. Config round-trips opaquely through the store; typed views
	// are derived at execution time.
	Step struct {
		ID   string   `json:"id" bson:"id"`
		Type StepType `json:"type" bson:"type"`

		// Trigger and action fields.
		App       string         `json:"app_name,omitempty" bson:"app_name,omitempty"`
		TriggerID string         `json:"trigger_id,omitempty" bson:"trigger_id,omitempty"`
		ActionID  string         `json:"action_id,omitempty" bson:"action_id,omitempty"`
		Config    map[string]any `json:"config,omitempty" bson:"config,omitempty"`
		Next      string         `json:"next,omitempty" bson:"next,omitempty"`

		// Condition fields.
		Clauses []Clause `json:"conditions,omitempty" bson:"conditions,omitempty"`
	}

	// Clause is one branch of a condition step. A predicate clause carries
	// If ("{{path}} op 'literal'") and Then; a fallback clause carries only
	// Else.
	Clause struct {
		If   string `json:"if,omitempty" bson:"if,omitempty"`
		Then string `json:"then,omitempty" bson:"then,omitempty"`
		Else string `json:"else,omitempty" bson:"else,omitempty"`
	}

	// Workflow is a named step graph owned by a user.
	Workflow struct {
		ID           string
		UserID       string
		Name         string
		Description  string
		Active       bool
		PollInterval time.Duration
		// LastRunAt is the wall clock of the last poll that enqueued or
		// attempted to enqueue. Zero means the workflow has never polled and
		// fires on first encounter.
		LastRunAt time.Time
		// Start is the id of the first post-trigger step. Derived at save
		// time from the trigger's Next; legacy rows fall back to "2".
		Start     string
		Steps     []Step
		CreatedAt time.Time
		UpdatedAt time.Time
	}
)

const (
	StepTrigger   StepType = "trigger"
	StepCondition StepType = "condition"
	StepAction    StepType = "action"
)

// LegacyStartID is the historical convention for the first post-trigger
// step. Workflows saved without an explicit start keep working through it.
const LegacyStartID = "2"

// Polling intervals by trigger app. Webhook-triggered workflows are not
// polled at all.
const (
	gmailPollInterval   = 60 * time.Second
	slackPollInterval   = 30 * time.Second
	githubPollInterval  = 60 * time.Second
	defaultPollInterval = 60 * time.Second
)

// PollIntervalFor returns the polling interval for a trigger app. A zero
// interval means the workflow is never polled.
func PollIntervalFor(app string) time.Duration {
	switch app {
	case "gmail":
		return gmailPollInterval
	case "slack":
		return slackPollInterval
	case "github":
		return githubPollInterval
	case "webhook":
		return 0
	default:
		return defaultPollInterval
	}
}

// TriggerStep returns the workflow's trigger step. Validated workflows have
// exactly one.
func (w *Workflow) TriggerStep() (Step, bool) {
	for _, s := range w.Steps {
		if s.Type == StepTrigger {
			return s, true
		}
	}
	return Step{}, false
}

// StartStep resolves the id of the first post-trigger step: the explicit
// Start field, then the trigger's Next, then the legacy "2" convention.
func (w *Workflow) StartStep() string {
	if w.Start != "" {
		return w.Start
	}
	if trig, ok := w.TriggerStep(); ok && trig.Next != "" {
		return trig.Next
	}
	return LegacyStartID
}

// StepIndex builds a step-id lookup map for O(1) graph walks.
func (w *Workflow) StepIndex() map[string]Step {
	idx := make(map[string]Step, len(w.Steps))
	for _, s := range w.Steps {
		idx[s.ID] = s
	}
	return idx
}

// Validate enforces the structural invariants of a workflow graph: exactly
// one trigger, at least one action, unique step ids, every branch target
// resolvable, and parseable condition clauses.
func Validate(w *Workflow) error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", w.Name)
	}

	ids := make(map[string]bool, len(w.Steps))
	var triggers, actions int
	for _, s := range w.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %q: step with empty id", w.Name)
		}
		if ids[s.ID] {
			return fmt.Errorf("workflow %q: duplicate step id %q", w.Name, s.ID)
		}
		ids[s.ID] = true
		switch s.Type {
		case StepTrigger:
			triggers++
		case StepAction:
			actions++
		case StepCondition:
		default:
			return fmt.Errorf("workflow %q: step %q has unknown type %q", w.Name, s.ID, s.Type)
		}
	}
	if triggers != 1 {
		return fmt.Errorf("workflow %q: expected exactly one trigger step, found %d", w.Name, triggers)
	}
	if actions == 0 {
		return fmt.Errorf("workflow %q: at least one action step is required", w.Name)
	}

	for _, s := range w.Steps {
		switch s.Type {
		case StepTrigger:
			if s.App == "" {
				return fmt.Errorf("workflow %q: trigger step %q missing app name", w.Name, s.ID)
			}
			if s.Next != "" && !ids[s.Next] {
				return fmt.Errorf("workflow %q: trigger step %q targets unknown step %q", w.Name, s.ID, s.Next)
			}
		case StepAction:
			if s.App == "" && s.ActionID == "" {
				return fmt.Errorf("workflow %q: action step %q missing action id and app name", w.Name, s.ID)
			}
			if s.Next != "" && !ids[s.Next] {
				return fmt.Errorf("workflow %q: action step %q targets unknown step %q", w.Name, s.ID, s.Next)
			}
		case StepCondition:
			if len(s.Clauses) == 0 {
				return fmt.Errorf("workflow %q: condition step %q has no clauses", w.Name, s.ID)
			}
			for i, c := range s.Clauses {
				if err := validateClause(c, ids); err != nil {
					return fmt.Errorf("workflow %q: condition step %q clause %d: %w", w.Name, s.ID, i, err)
				}
			}
		}
	}

	if start := w.StartStep(); !ids[start] {
		return fmt.Errorf("workflow %q: start step %q does not exist", w.Name, start)
	}
	return nil
}

func validateClause(c Clause, ids map[string]bool) error {
	switch {
	case c.If != "":
		if c.Then == "" {
			return fmt.Errorf("predicate clause has no then target")
		}
		if !ids[c.Then] {
			return fmt.Errorf("then target %q does not exist", c.Then)
		}
		if !ValidPredicate(c.If) {
			return fmt.Errorf("malformed predicate %q", c.If)
		}
	case c.Else != "":
		if !ids[c.Else] {
			return fmt.Errorf("else target %q does not exist", c.Else)
		}
	default:
		return fmt.Errorf("clause is neither predicate nor else")
	}
	return nil
}
