package intake

import "fmt"

// Stage is where a workflow currently is.
type Stage int

const (
	StageWorkID Stage = iota + 1
	StageName
	StageDateOfBirth
	StageIntake
	StagePreview
	StageDone
)

var stageNames = map[Stage]string{
	StageWorkID:      "work-id",
	StageName:        "name",
	StageDateOfBirth: "date-of-birth",
	StageIntake:      "intake",
	StagePreview:     "preview",
	StageDone:        "done",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, &ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %q", name)}
}

// Step is one identity verification step. Its value is its position in Sequence.
type Step int

const (
	StepWorkID Step = iota + 1
	StepName
	StepDateOfBirth
)

type stepDef struct {
	stage     Stage
	operation string
	needsAuth bool
	next      Stage
}

var steps = map[Step]stepDef{
	StepWorkID:      {stage: StageWorkID, operation: "verifyDoctorId", needsAuth: false, next: StageName},
	StepName:        {stage: StageName, operation: "verifyUsername", needsAuth: true, next: StageDateOfBirth},
	StepDateOfBirth: {stage: StageDateOfBirth, operation: "verifyDob", needsAuth: true, next: StageIntake},
}

// Sequence is the fixed order in which verification steps run.
var Sequence = []Step{StepWorkID, StepName, StepDateOfBirth}

func (s Step) Valid() bool {
	_, ok := steps[s]
	return ok
}

func (s Step) String() string {
	if def, ok := steps[s]; ok {
		return def.stage.String()
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Operation is the name of the remote query that verifies this step.
func (s Step) Operation() string {
	return steps[s].operation
}

// NeedsAuth reports whether the step's request carries the current token.
func (s Step) NeedsAuth() bool {
	return steps[s].needsAuth
}

// Stage is the workflow stage at which the step is entered.
func (s Step) Stage() Stage {
	return steps[s].stage
}

// StepForStage returns the verification step entered at stage.
func StepForStage(stage Stage) (Step, bool) {
	for _, step := range Sequence {
		if steps[step].stage == stage {
			return step, true
		}
	}
	return 0, false
}

// StepInput carries the fields of every step; each step reads only its own.
type StepInput struct {
	WorkID      string `json:"work_id,omitempty" yaml:"work_id"`
	FirstName   string `json:"first_name,omitempty" yaml:"first_name"`
	LastName    string `json:"last_name,omitempty" yaml:"last_name"`
	DateOfBirth string `json:"dob,omitempty" yaml:"dob"`
}

// Result is the outcome of one verification call. Token is only ever set when OK.
type Result struct {
	OK      bool
	Message string
	Token   []byte
}

// Transition is what Advance decided. On success Next is the following stage;
// on failure Stay is the current stage and Err the message to show.
type Transition struct {
	Advanced bool
	Next     Stage
	Stay     Stage
	Err      string
}

// Stage returns the stage the workflow should be on after the transition.
func (t Transition) Stage() Stage {
	if t.Advanced {
		return t.Next
	}
	return t.Stay
}

// Advance moves past current when result is a success. The last step hands over
// to the intake form instead of another verification step.
func Advance(current Step, result Result) Transition {
	def := steps[current]
	if !result.OK {
		msg := result.Message
		if msg == "" {
			msg = GenericFailureMessage
		}
		return Transition{Stay: def.stage, Err: msg}
	}
	return Transition{Advanced: true, Next: def.next}
}
