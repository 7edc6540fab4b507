// Package sandbox executes generated slide scripts as isolated
// subprocesses and classifies the result. Script content is opaque,
// untrusted input: only the exit status and the produced artifact are ever
// inspected.
package sandbox

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"slidegen/internal/domain"
)

// Runner executes one script version at a time inside the run's working
// directory with a hard wall-clock timeout.
type Runner struct {
	Interpreter string
	Args        []string
	WorkDir     string
	Timeout     time.Duration
	Logger      *zap.Logger
}

func (r Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// Run executes the script at scriptPath. The image mapping is materialized
// to imageMapPath and handed to the script together with the expected
// output path. The returned outcome is always classified; an error is only
// returned for infrastructure failures before the process could start.
func (r Runner) Run(ctx context.Context, scriptPath string, imageMap map[string]string, imageMapPath, outputPath string) (domain.ExecutionOutcome, error) {
	data, err := json.Marshal(imageMap)
	if err != nil {
		return domain.ExecutionOutcome{}, fmt.Errorf("marshal image map: %w", err)
	}
	if err := os.WriteFile(imageMapPath, data, 0o644); err != nil {
		return domain.ExecutionOutcome{}, fmt.Errorf("write image map: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := append(append([]string{}, r.Args...), scriptPath, "--output", outputPath, "--images", imageMapPath)
	cmd := exec.CommandContext(execCtx, r.Interpreter, args...)
	cmd.Dir = r.WorkDir
	// Scripts get a minimal environment: no inherited credentials, no
	// proxy settings, just enough to find their interpreter runtime.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + r.WorkDir,
		"LANG=C.UTF-8",
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	r.logger().Info("executing script",
		zap.String("script", scriptPath),
		zap.String("output", outputPath),
		zap.Duration("timeout", r.Timeout))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	outcome := domain.ExecutionOutcome{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}

	if ctx.Err() != nil {
		// Caller abandoned the run; the kill says nothing about the script.
		r.logger().Warn("execution cancelled", zap.Duration("after", duration))
		return domain.ExecutionOutcome{}, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if execCtx.Err() == context.DeadlineExceeded {
		outcome.ErrorKind = domain.ErrKindTimeout
		outcome.Stderr += fmt.Sprintf("\nexecution timed out after %s", r.Timeout)
		r.logger().Error("script timed out", zap.Duration("after", duration))
		return outcome, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			outcome.ExitCode = &code
			outcome.ErrorKind = domain.ErrKindRuntimeError
			outcome.Stderr += fmt.Sprintf("\nscript exited with code %d", code)
			r.logger().Error("script failed", zap.Int("exit_code", code))
			return outcome, nil
		}
		// Interpreter missing or not startable.
		outcome.ErrorKind = domain.ErrKindRuntimeError
		outcome.Stderr += fmt.Sprintf("\nfailed to execute script: %v", runErr)
		r.logger().Error("script could not start", zap.Error(runErr))
		return outcome, nil
	}

	zero := 0
	outcome.ExitCode = &zero
	if err := ValidateArtifact(outputPath); err != nil {
		// Exit 0 with unusable output is a failure for retry purposes.
		outcome.ErrorKind = domain.ErrKindValidationFailed
		outcome.Stderr += fmt.Sprintf("\nartifact validation failed: %v", err)
		r.logger().Error("artifact validation failed", zap.Error(err))
		return outcome, nil
	}

	outcome.Success = true
	outcome.ArtifactPath = outputPath
	r.logger().Info("script succeeded", zap.Duration("duration", duration))
	return outcome, nil
}

// ValidateArtifact checks that the produced file is a structurally valid
// presentation container with at least one slide. This is deliberately a
// container-level check: the artifact's content is judged visually after
// rendering, not here.
func ValidateArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("artifact missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("artifact is empty")
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("artifact is not a valid container: %w", err)
	}
	defer zr.Close()

	hasContentTypes := false
	slides := 0
	for _, f := range zr.File {
		switch {
		case f.Name == "[Content_Types].xml":
			hasContentTypes = true
		case strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml"):
			slides++
		}
	}
	if !hasContentTypes {
		return errors.New("artifact has no content types part")
	}
	if slides == 0 {
		return errors.New("artifact has no slides")
	}
	return nil
}
