package compiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
)

// TestResult is the outcome of a validator run.
type TestResult struct {
	Status    bool     `json:"status"`
	Validator string   `json:"validator"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
}

// Err returns a ValidationError for a failed run.
func (r *TestResult) Err() error {
	if r == nil || r.Status {
		return nil
	}
	return &rerrors.ValidationError{Diagnostics: r.Errors}
}

// Validator checks a compiled document with an external engine.
type Validator interface {
	Name() string
	Validate(ctx context.Context, doc Document) (*TestResult, error)
}

// NullValidator accepts everything.
type NullValidator struct{}

func (NullValidator) Name() string { return "none" }

func (NullValidator) Validate(context.Context, Document) (*TestResult, error) {
	return &TestResult{Status: true, Validator: "none", Errors: []string{}, Warnings: []string{}}, nil
}

// execCommandContext is swapped in tests.
var execCommandContext = exec.CommandContext

// SuricataValidator runs `suricata -T` against the document.
type SuricataValidator struct {
	Binary  string
	Config  string
	Timeout time.Duration
}

func (v *SuricataValidator) Name() string { return "suricata" }

// Validate returns an error only when the engine could not be run at all; a
// rejected document is reported through TestResult.
func (v *SuricataValidator) Validate(ctx context.Context, doc Document) (*TestResult, error) {
	dir, err := os.MkdirTemp("", "sigforge-test-")
	if err != nil {
		return nil, fmt.Errorf("create test dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rulesPath := filepath.Join(dir, ExportFilename)
	thresholdPath := filepath.Join(dir, "threshold.config")
	if err := os.WriteFile(rulesPath, doc.Rules, 0o600); err != nil {
		return nil, fmt.Errorf("write rules: %w", err)
	}
	if err := os.WriteFile(thresholdPath, doc.Thresholds, 0o600); err != nil {
		return nil, fmt.Errorf("write thresholds: %w", err)
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	args := []string{"-T", "-S", rulesPath, "-l", dir, "--set", "threshold-file=" + thresholdPath}
	if v.Config != "" {
		args = append([]string{"-c", v.Config}, args...)
	}
	cmd := execCommandContext(ctx, v.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("suricata test timed out: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("run suricata: %w", runErr)
	}

	res := &TestResult{Status: runErr == nil, Validator: v.Name(), Errors: []string{}, Warnings: []string{}}
	res.Errors, res.Warnings = diagnostics(out.Bytes())
	if !res.Status && len(res.Errors) == 0 {
		res.Errors = append(res.Errors, strings.TrimSpace(runErr.Error()))
	}
	return res, nil
}

// diagnostics picks the error and warning lines of suricata's log output.
func diagnostics(output []byte) (errs, warns []string) {
	errs, warns = []string{}, []string{}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.Contains(line, "<Error>"), strings.HasPrefix(line, "E: "), strings.Contains(line, " - E: "):
			errs = append(errs, line)
		case strings.Contains(line, "<Warning>"), strings.HasPrefix(line, "W: "), strings.Contains(line, " - W: "):
			warns = append(warns, line)
		}
	}
	return errs, warns
}
