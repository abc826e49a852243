package workflow

// Result statuses for step and action outcomes.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// StepResult is one entry of a run's execution log: what a single step did
// and where the walk went next.
type StepResult struct {
	StepID string         `json:"step_id" bson:"step_id"`
	Type   StepType       `json:"type" bson:"type"`
	Status string         `json:"status" bson:"status"`
	Detail string         `json:"detail,omitempty" bson:"detail,omitempty"`
	Next   string         `json:"next,omitempty" bson:"next,omitempty"`
	Output map[string]any `json:"output,omitempty" bson:"output,omitempty"`
}
