// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs submitted job code on the worker side, either inside
// a network-isolated Docker container or, when explicitly opted into, as a
// restricted host subprocess. Both modes enforce a hard wall-clock timeout
// and cap captured stdout/stderr/artifact bytes.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/logging"
)

// Limits bounds captured output so a misbehaving job can't exhaust worker or
// coordinator memory.
type Limits struct {
	MaxStdoutBytes   int64
	MaxStderrBytes   int64
	MaxArtifactBytes int64
}

// DefaultLimits matches spec §6's stated defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxStdoutBytes:   1 << 20,
		MaxStderrBytes:   1 << 20,
		MaxArtifactBytes: 16 << 20,
	}
}

// Run is one job ready to execute: its code, its requirements, and the
// resource demands that bound the container. Each executor creates its own
// scratch directory under its workRoot.
type Run struct {
	JobID        string
	Code         []byte
	Requirements string
	Demands      domain.Demands
}

// Executor runs a Run and produces a domain.Result.
type Executor interface {
	Execute(ctx context.Context, run Run) (domain.Result, error)
}

// DockerExecutor runs jobs inside a network-isolated Docker container via
// the docker CLI: no network egress, memory/cpu/pid caps from the job's
// demands, a scratch work dir plus read-only code mount, and dependency
// install before the user's entrypoint.
type DockerExecutor struct {
	dockerPath string
	image      string
	workRoot   string
	limits     Limits
	logger     logging.Logger
}

// NewDockerExecutor builds a DockerExecutor. image is the base runtime image
// used for every job (e.g. "python:3.12-slim"); workRoot is a host directory
// scratch subdirectories are created under.
func NewDockerExecutor(image, workRoot string, limits Limits, logger logging.Logger) *DockerExecutor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &DockerExecutor{dockerPath: "docker", image: image, workRoot: workRoot, limits: limits, logger: logger}
}

func (e *DockerExecutor) Execute(ctx context.Context, run Run) (domain.Result, error) {
	if run.Demands.TimeoutSeconds <= 0 {
		return domain.Result{}, errors.New(errors.CodeInvalidState, "run has no timeout")
	}
	deadline := time.Duration(run.Demands.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	dir, err := os.MkdirTemp(e.workRoot, "job-"+run.JobID+"-")
	if err != nil {
		return domain.Result{}, errors.Wrap(errors.CodeUnavailable, "create scratch dir", err)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, "main.py")
	if err := os.WriteFile(codePath, run.Code, 0o444); err != nil {
		return domain.Result{}, errors.Wrap(errors.CodeUnavailable, "write job code", err)
	}
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return domain.Result{}, errors.Wrap(errors.CodeUnavailable, "create output dir", err)
	}

	memGB := run.Demands.RAMGB
	if memGB <= 0 {
		memGB = 1
	}
	args := []string{
		"run", "--rm",
		"--network", "none",
		"--memory", fmt.Sprintf("%.2fg", memGB),
		"--cpus", fmt.Sprintf("%d", maxInt(run.Demands.CPUCores, 1)),
		"--pids-limit", "256",
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/job/main.py,readonly", codePath),
		"--mount", fmt.Sprintf("type=bind,src=%s,dst=/job/out", outDir),
		"-w", "/job",
	}
	if run.Demands.GPURequired {
		args = append(args, "--gpus", "all")
	}
	args = append(args, e.image, "sh", "-c", entrypointScript(run.Requirements))

	cmd := exec.CommandContext(runCtx, e.dockerPath, args...)
	var stdout, stderr limitedBuffer
	stdout.limit = e.limits.MaxStdoutBytes
	stderr.limit = e.limits.MaxStderrBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.LogOperation(e.logger, "sandbox.docker.run", "job_id", run.JobID).Info("starting container")
	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return domain.Result{Stdout: stdout.String(), Stderr: stderr.String()},
			errors.New(errors.CodeUnavailable, "job exceeded timeout and was killed")
	}

	artifacts, artErr := collectArtifacts(outDir, e.limits.MaxArtifactBytes)
	if artErr != nil {
		logging.LogError(e.logger, artErr, "sandbox.docker.artifacts", "job_id", run.JobID)
	}

	result := domain.Result{Stdout: stdout.String(), Stderr: stderr.String(), Artifacts: artifacts}
	if runErr != nil {
		return result, errors.Wrap(errors.CodeUnavailable, "container run failed", runErr)
	}
	return result, nil
}

func entrypointScript(requirements string) string {
	if requirements == "" {
		return "python3 /job/main.py"
	}
	return fmt.Sprintf("pip install --no-cache-dir %s >/dev/null 2>&1 && python3 /job/main.py", requirements)
}

// RestrictedExecutor runs jobs as a direct host subprocess, isolated only by
// a dedicated process group so the whole tree can be killed at timeout. It
// is strictly less safe than DockerExecutor (no network, memory, or pid
// isolation). The Results it produces carry no marker of restricted mode, so
// they look the same as DockerExecutor results.
type RestrictedExecutor struct {
	interpreterPath string
	workRoot        string
	limits          Limits
	logger          logging.Logger
}

// NewRestrictedExecutor builds a RestrictedExecutor using interpreterPath
// (e.g. "python3") to run job code directly on the host.
func NewRestrictedExecutor(interpreterPath, workRoot string, limits Limits, logger logging.Logger) *RestrictedExecutor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RestrictedExecutor{interpreterPath: interpreterPath, workRoot: workRoot, limits: limits, logger: logger}
}

func (e *RestrictedExecutor) Execute(ctx context.Context, run Run) (domain.Result, error) {
	if run.Demands.TimeoutSeconds <= 0 {
		return domain.Result{}, errors.New(errors.CodeInvalidState, "run has no timeout")
	}
	deadline := time.Duration(run.Demands.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	dir, err := os.MkdirTemp(e.workRoot, "job-"+run.JobID+"-")
	if err != nil {
		return domain.Result{}, errors.Wrap(errors.CodeUnavailable, "create scratch dir", err)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, "main.py")
	if err := os.WriteFile(codePath, run.Code, 0o644); err != nil {
		return domain.Result{}, errors.Wrap(errors.CodeUnavailable, "write job code", err)
	}

	cmd := exec.CommandContext(runCtx, e.interpreterPath, codePath)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr limitedBuffer
	stdout.limit = e.limits.MaxStdoutBytes
	stderr.limit = e.limits.MaxStderrBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.LogOperation(e.logger, "sandbox.restricted.run", "job_id", run.JobID).Warn("running job without container isolation")
	if err := cmd.Start(); err != nil {
		return domain.Result{}, errors.Wrap(errors.CodeUnavailable, "start restricted process", err)
	}

	waitErr := cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		return domain.Result{Stdout: stdout.String(), Stderr: stderr.String()},
			errors.New(errors.CodeUnavailable, "job exceeded timeout and was killed")
	}
	if waitErr != nil {
		return domain.Result{Stdout: stdout.String(), Stderr: stderr.String()},
			errors.Wrap(errors.CodeUnavailable, "restricted process failed", waitErr)
	}
	return domain.Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// killProcessGroup sends SIGKILL to the whole process group started with
// Setpgid, since cmd.Process.Kill alone would leave any children running.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// limitedBuffer caps how many bytes of a stream are retained, discarding the
// remainder so a chatty job can't exhaust worker memory.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// collectArtifacts reads the entries directly under outDir in name order,
// skipping directories, until maxBytes total has been read, matching the
// fixed artifact budget. Subdirectories are not descended into; the file
// that crosses the budget is cut short, later files are dropped, and no
// notice of the cut is added to the result.
func collectArtifacts(outDir string, maxBytes int64) ([]domain.ArtifactFile, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var artifacts []domain.ArtifactFile
	var used int64
	for _, entry := range entries {
		if entry.IsDir() || used >= maxBytes {
			continue
		}
		path := filepath.Join(outDir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		remaining := maxBytes - used
		data, readErr := io.ReadAll(io.LimitReader(f, remaining))
		f.Close()
		if readErr != nil {
			continue
		}
		used += int64(len(data))
		artifacts = append(artifacts, domain.ArtifactFile{Name: entry.Name(), Bytes: data})
	}
	return artifacts, nil
}
