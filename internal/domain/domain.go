package domain

// ScriptOrigin records how a script version came to exist.
type ScriptOrigin string

const (
	OriginInitial     ScriptOrigin = "initial"
	OriginFix         ScriptOrigin = "fix"
	OriginImprovement ScriptOrigin = "improvement"
)

// ScriptStatus is the execution status of a script version. Versions are
// write-once: pending transitions to success or failure exactly once.
type ScriptStatus string

const (
	StatusPending ScriptStatus = "pending"
	StatusSuccess ScriptStatus = "success"
	StatusFailure ScriptStatus = "failure"
)

// Stage is one state of the run pipeline.
type Stage string

const (
	StageInitialGeneration Stage = "initial_generation"
	StageExecute           Stage = "execute"
	StageFixLoop           Stage = "fix_loop"
	StageRender            Stage = "render"
	StageScore             Stage = "score"
	StageImprovementLoop   Stage = "improvement_loop"
	StageComplete          Stage = "complete"
	StageFailedScript      Stage = "failed_script_error"
	StageFailedRender      Stage = "failed_render_error"
)

// Terminal reports whether a run in this stage cannot advance further.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailedScript || s == StageFailedRender
}

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	ErrKindNone             ErrorKind = ""
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindRuntimeError     ErrorKind = "runtime_error"
	ErrKindValidationFailed ErrorKind = "validation_failed"
)

// ImageInput is one user-supplied image available to generated scripts.
// Names are unique within a run.
type ImageInput struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// SlideRequest is the immutable input of one run.
type SlideRequest struct {
	Brief          string       `json:"brief"`
	Images         []ImageInput `json:"images,omitempty"`
	ReferenceImage string       `json:"reference_image,omitempty"`
}

// ScriptVersion is one generated attempt at producing the slide artifact.
// Version ids start at 1 and increase strictly within a run; the parent id
// is nil only for version 1, so the versions of a run form a tree.
type ScriptVersion struct {
	RunID     string       `json:"run_id"`
	VersionID int64        `json:"version_id"`
	Origin    ScriptOrigin `json:"origin"`
	ParentID  *int64       `json:"parent_version_id,omitempty"`
	Path      string       `json:"path"`
	Status    ScriptStatus `json:"status"`
	RequestID string       `json:"request_id,omitempty"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

// ExecutionOutcome is the classified result of running one script version.
type ExecutionOutcome struct {
	Success      bool      `json:"success"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// ScoreBreakdown holds per-dimension scores in [0,100] plus the weighted
// overall score. Recorded only for versions that executed and rendered.
type ScoreBreakdown struct {
	Completeness    float64  `json:"completeness"`
	ContentAccuracy float64  `json:"content_accuracy"`
	LayoutMatch     float64  `json:"layout_match"`
	VisualQuality   float64  `json:"visual_quality"`
	Overall         float64  `json:"overall"`
	Issues          []string `json:"issues,omitempty"`
}

// IterationRecord is one pipeline step taken during a run.
type IterationRecord struct {
	Seq             int              `json:"seq"`
	Stage           Stage            `json:"stage"`
	ScriptVersionID int64            `json:"script_version_id"`
	Execution       ExecutionOutcome `json:"execution"`
	ScreenshotPath  string           `json:"screenshot_path,omitempty"`
	Score           *ScoreBreakdown  `json:"score,omitempty"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
}

// Run is the persisted header row of a run.
type Run struct {
	ID            string `json:"id"`
	Brief         string `json:"brief"`
	Status        Stage  `json:"status" enum:"initial_generation,execute,fix_loop,render,score,improvement_loop,complete,failed_script_error,failed_render_error"`
	BestVersionID *int64 `json:"best_version_id,omitempty"`
	SealedAt      string `json:"sealed_at,omitempty" format:"date-time"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// RunMetadata is the run's full decision trail: the wire format written to
// metadata.json and served by the inspection API. Append-only while the run
// is live, sealed once it reaches a terminal stage.
type RunMetadata struct {
	RunID          string            `json:"run_id"`
	Request        SlideRequest      `json:"request"`
	ScriptVersions []ScriptVersion   `json:"script_versions"`
	Iterations     []IterationRecord `json:"iterations"`
	BestVersionID  *int64            `json:"best_version_id,omitempty"`
	BestScore      *ScoreBreakdown   `json:"best_score,omitempty"`
	Status         Stage             `json:"status"`
	SealedAt       string            `json:"sealed_at,omitempty" format:"date-time"`
}
