package task

// Stage is a named phase of the remote report pipeline.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageUpload       Stage = "upload"
	StageExtraction   Stage = "extraction"
	StageAnalysis     Stage = "analysis"
	StageWriter       Stage = "writer"
	StageReviewer     Stage = "reviewer"
	StageRefinement   Stage = "refinement"
	StageFormatting   Stage = "formatting"
	StageFinalization Stage = "finalization"
)

// pipeline lists the stages in execution order.
var pipeline = []Stage{
	StageIdle,
	StageUpload,
	StageExtraction,
	StageAnalysis,
	StageWriter,
	StageReviewer,
	StageRefinement,
	StageFormatting,
	StageFinalization,
}

// transitions holds the legal next stages for every stage. A stage may advance one
// step or fall back one step to retry the same unit of work. Idle only advances to
// upload and finalization only returns to idle to begin a new task.
var transitions = map[Stage]map[Stage]struct{}{
	StageIdle:         set(StageUpload),
	StageUpload:       set(StageExtraction, StageIdle),
	StageExtraction:   set(StageAnalysis, StageUpload),
	StageAnalysis:     set(StageWriter, StageExtraction),
	StageWriter:       set(StageReviewer, StageAnalysis),
	StageReviewer:     set(StageRefinement, StageWriter),
	StageRefinement:   set(StageFormatting, StageReviewer),
	StageFormatting:   set(StageFinalization, StageRefinement),
	StageFinalization: set(StageIdle),
}

func set(stages ...Stage) map[Stage]struct{} {
	m := make(map[Stage]struct{}, len(stages))
	for _, s := range stages {
		m[s] = struct{}{}
	}
	return m
}

func (s Stage) String() string { return string(s) }

// Index returns the position of the stage in the pipeline, or -1 if unknown.
func (s Stage) Index() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// ParseStage converts a wire value into a Stage. ok is false for unknown values.
func ParseStage(raw string) (Stage, bool) {
	s := Stage(raw)
	if s.Index() < 0 {
		return "", false
	}
	return s, true
}

// Stages returns the pipeline stages in order.
func Stages() []Stage {
	out := make([]Stage, len(pipeline))
	copy(out, pipeline)
	return out
}

// AttemptTransition checks a stage move against the adjacency table only.
// It returns nil when the move is accepted.
func AttemptTransition(current, next Stage) error {
	if _, ok := transitions[current][next]; !ok {
		return &InvalidTransitionError{From: current, To: next, Reason: ReasonNotReachable}
	}
	return nil
}

// AttemptTransitionFor is AttemptTransition plus the status checks: nothing moves once
// the task is terminal, and a running task never goes back to idle.
func AttemptTransitionFor(status Status, current, next Stage) error {
	if status.IsTerminal() {
		return &InvalidTransitionError{From: current, To: next, Reason: ReasonTerminal}
	}
	if status == StatusInProgress && next == StageIdle {
		return &InvalidTransitionError{From: current, To: next, Reason: ReasonNotReachable}
	}
	return AttemptTransition(current, next)
}
