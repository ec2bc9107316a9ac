package pipeline

// Stage is one step of the pipeline. Stages run strictly sequentially per
// job; no stage is re-entered except through its own retry loop.
type Stage string

const (
	StagePending        Stage = "pending"
	StageValidating     Stage = "validating"
	StageNormalizing    Stage = "normalizing"
	StageTranscribing   Stage = "transcribing"
	StageAligning       Stage = "aligning"
	StageDiarizing      Stage = "diarizing"
	StagePostProcessing Stage = "post_processing"
	StageFinalizing     Stage = "finalizing"
)

// stageOrder is the fixed execution sequence.
var stageOrder = []Stage{
	StageValidating,
	StageNormalizing,
	StageTranscribing,
	StageAligning,
	StageDiarizing,
	StagePostProcessing,
	StageFinalizing,
}

// Status is the job lifecycle state. Completed, Failed, and Cancelled are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
