// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command worker connects to a coordinatord, registers its resource profile,
// and runs jobs handed to it inside a sandboxed executor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/internal/sandbox"
	"github.com/campusgrid/exchange/internal/wire"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/logging"
	"github.com/campusgrid/exchange/pkg/retry"
)

var (
	coordinatorAddr string
	workerName      string
	ownerToken      string
	sandboxImage    string
	workRoot        string
	interpreter     string
	disableSandbox  bool
	cpuCores        int
	ramGB           float64
	gpuName         string
	dockerAvailable bool
	pollInterval    time.Duration
	useZapLogger    bool

	rootCmd = &cobra.Command{
		Use:     "worker",
		Short:   "Runs a compute exchange worker",
		Version: "dev",
		RunE:    runWorker,
	}
)

func init() {
	rootCmd.Flags().StringVar(&coordinatorAddr, "coordinator-addr", "127.0.0.1:7420", "coordinator worker-session address (env: EXCHANGE_COORDINATOR_ADDR)")
	rootCmd.Flags().StringVar(&workerName, "name", hostnameOrDefault(), "name this worker registers under")
	rootCmd.Flags().StringVar(&ownerToken, "owner-token", "", "username of this worker's owning user, looked up in the coordinator's user table (env: EXCHANGE_OWNER_TOKEN)")
	rootCmd.Flags().BoolVar(&disableSandbox, "disable-sandbox", false, "run jobs as a restricted host subprocess instead of inside Docker")
	rootCmd.Flags().StringVar(&sandboxImage, "sandbox-image", "python:3.12-slim", "Docker image used to run jobs when sandboxing is enabled")
	rootCmd.Flags().StringVar(&interpreter, "interpreter", "python3", "interpreter binary used when --disable-sandbox is set")
	rootCmd.Flags().StringVar(&workRoot, "work-root", os.TempDir(), "scratch directory for per-job working directories")
	rootCmd.Flags().IntVar(&cpuCores, "cpu-cores", 1, "CPU cores advertised to the coordinator")
	rootCmd.Flags().Float64Var(&ramGB, "ram-gb", 2, "RAM in GB advertised to the coordinator")
	rootCmd.Flags().StringVar(&gpuName, "gpu-name", "", "GPU model advertised to the coordinator, if any")
	rootCmd.Flags().BoolVar(&dockerAvailable, "docker-available", true, "advertise Docker availability to the coordinator")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 3*time.Second, "delay between request_job polls when the queue is empty")
	rootCmd.Flags().BoolVar(&useZapLogger, "zap", true, "use the zap-backed production logger instead of slog")
}

func main() {
	if v := os.Getenv("EXCHANGE_COORDINATOR_ADDR"); v != "" {
		coordinatorAddr = v
	}
	if v := os.Getenv("EXCHANGE_OWNER_TOKEN"); v != "" {
		ownerToken = v
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger, closeLogger := buildWorkerLogger()
	defer closeLogger()

	executor := buildExecutor(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The worker reconnects forever; NewExponentialBackoff's MaxAttempts just
	// caps how long the delay keeps growing before it plateaus at MaxDelay.
	backoff := retry.NewExponentialBackoff()
	attempt := 0

	for ctx.Err() == nil {
		startedAt := time.Now()
		err := connectAndRun(ctx, logger, executor)
		if ctx.Err() != nil {
			return nil
		}
		logging.LogError(logger, err, "worker.session", "addr", coordinatorAddr)

		if time.Since(startedAt) > 30*time.Second {
			attempt = 0
			backoff.Reset()
		}
		delay, ok := backoff.NextDelay(attempt)
		if ok {
			attempt++
		} else {
			delay = backoff.MaxDelay
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	return nil
}

func buildWorkerLogger() (logging.Logger, func()) {
	if useZapLogger {
		logger, err := logging.NewZapLogger("worker", "dev", "info")
		if err == nil {
			return logger, func() {
				if s, ok := logger.(interface{ Sync() error }); ok {
					_ = s.Sync()
				}
			}
		}
		fmt.Fprintf(os.Stderr, "falling back to slog logger: %v\n", err)
	}
	slogCfg := logging.DefaultConfig()
	slogCfg.Service = "worker"
	return logging.NewLogger(slogCfg), func() {}
}

func buildExecutor(logger logging.Logger) sandbox.Executor {
	limits := sandbox.DefaultLimits()
	if disableSandbox {
		return sandbox.NewRestrictedExecutor(interpreter, workRoot, limits, logger)
	}
	return sandbox.NewDockerExecutor(sandboxImage, workRoot, limits, logger)
}

// connectAndRun dials the coordinator once, registers, and services jobs
// until the connection drops or ctx is cancelled.
func connectAndRun(ctx context.Context, logger logging.Logger, executor sandbox.Executor) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", coordinatorAddr)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "dial coordinator", err)
	}
	defer conn.Close()

	codec := wire.New(conn, conn, wire.DefaultMaxBodyBytes)

	specs := wire.Specs{
		CPUCores:    cpuCores,
		RAMGB:       ramGB,
		GPUName:     gpuName,
		DockerAvail: dockerAvailable,
	}
	if err := codec.WriteMessage(wire.RegisterMsg{
		Type:       wire.TypeRegister,
		Name:       workerName,
		OwnerToken: ownerToken,
		Specs:      specs,
	}); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "send register", err)
	}

	env, body, err := codec.ReadEnvelope()
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "read registered ack", err)
	}
	if env.Type != wire.TypeRegistered {
		return errors.New(errors.CodeProtocolViolation, "expected registered ack, got "+string(env.Type))
	}
	var registered wire.RegisteredMsg
	if err := json.Unmarshal(body, &registered); err != nil {
		return errors.Wrap(errors.CodeProtocolViolation, "decode registered ack", err)
	}
	workerID := registered.WorkerID

	logging.LogOperation(logger, "worker.registered", "worker_id", workerID, "coordinator_addr", coordinatorAddr).Info("registered with coordinator")

	sess := &workerSession{
		codec:    codec,
		workerID: workerID,
		logger:   logger,
		executor: executor,
	}
	return sess.run(ctx)
}

// workerSession drives one live connection: a reader goroutine dispatching
// inbound frames, and the main goroutine alternating between heartbeats and
// job requests. writeMu serializes writes from both.
type workerSession struct {
	codec    *wire.Codec
	workerID string
	logger   logging.Logger
	executor sandbox.Executor

	writeMu sync.Mutex
}

func (s *workerSession) writeMessage(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.WriteMessage(v)
}

type inboundFrame struct {
	env  wire.Envelope
	body []byte
}

func (s *workerSession) run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	incoming := make(chan inboundFrame, 4)
	readErrc := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			env, body, err := s.codec.ReadEnvelope()
			if err != nil {
				readErrc <- err
				return
			}
			select {
			case incoming <- inboundFrame{env: env, body: body}:
			case <-sessCtx.Done():
				return
			}
		}
	}()

	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-sessCtx.Done():
			select {
			case err := <-readErrc:
				return err
			default:
				return sessCtx.Err()
			}

		case <-heartbeatTicker.C:
			if err := s.writeMessage(wire.HeartbeatMsg{
				Type:     wire.TypeHeartbeat,
				WorkerID: s.workerID,
				Status:   string(domain.WorkerIdle),
			}); err != nil {
				logging.LogError(s.logger, err, "worker.heartbeat", "worker_id", s.workerID)
			}

		case <-pollTimer.C:
			if err := s.requestAndRunJob(sessCtx, incoming); err != nil {
				logging.LogError(s.logger, err, "worker.job_cycle", "worker_id", s.workerID)
			}
			pollTimer.Reset(pollInterval)
		}
	}
}

// requestAndRunJob asks for a job, runs it if one is assigned, and reports
// the result back before returning.
func (s *workerSession) requestAndRunJob(ctx context.Context, incoming <-chan inboundFrame) error {
	if err := s.writeMessage(wire.RequestJobMsg{Type: wire.TypeRequestJob, WorkerID: s.workerID}); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "send request_job", err)
	}

	frame, err := waitFor(ctx, incoming, wire.TypeJob, wire.TypeNoJob)
	if err != nil {
		return err
	}
	if frame.env.Type == wire.TypeNoJob {
		return nil
	}

	var job wire.JobMsg
	if err := json.Unmarshal(frame.body, &job); err != nil {
		return errors.Wrap(errors.CodeProtocolViolation, "decode job", err)
	}

	logging.LogOperation(s.logger, "worker.job.start", "job_id", job.JobID).Info("running job")

	result, runErr := s.executor.Execute(ctx, sandbox.Run{
		JobID:        job.JobID,
		Code:         job.Code,
		Requirements: job.Requirements,
		Demands: domain.Demands{
			CPUCores:       job.CPUCores,
			RAMGB:          job.RAMGB,
			GPURequired:    job.GPURequired,
			DockerRequired: job.DockerRequired,
			TimeoutSeconds: job.TimeoutSeconds,
		},
	})

	outcome := outcomeFor(runErr)
	logging.LogOperation(s.logger, "worker.job.done", "job_id", job.JobID, "outcome", string(outcome)).Info("job finished")

	files := make([]wire.ResultFile, 0, len(result.Artifacts))
	for _, a := range result.Artifacts {
		files = append(files, wire.ResultFile{Name: a.Name, BytesB64: a.Bytes})
	}
	if err := s.writeMessage(wire.JobResultMsg{
		Type:    wire.TypeJobResult,
		JobID:   job.JobID,
		Outcome: string(outcome),
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Files:   files,
	}); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "send job_result", err)
	}

	if _, err := waitFor(ctx, incoming, wire.TypeJobReceived); err != nil {
		return err
	}
	return nil
}

// outcomeFor classifies a sandbox run's error into the job status the
// coordinator expects on job_result.
func outcomeFor(err error) domain.JobStatus {
	if err == nil {
		return domain.JobCompleted
	}
	if errors.CodeOf(err) == errors.CodeUnavailable && isTimeoutErr(err) {
		return domain.JobTimedOut
	}
	return domain.JobFailed
}

func isTimeoutErr(err error) bool {
	return err != nil && containsTimeout(err.Error())
}

func containsTimeout(msg string) bool {
	for i := 0; i+len("timeout") <= len(msg); i++ {
		if msg[i:i+len("timeout")] == "timeout" {
			return true
		}
	}
	return false
}

// waitFor blocks until a frame of one of the wanted types arrives, silently
// skipping anything else — the protocol is strictly request/response
// per outstanding request so an unrelated frame here means a future
// extension the worker doesn't understand yet, not a fatal error.
func waitFor(ctx context.Context, incoming <-chan inboundFrame, wanted ...wire.Type) (inboundFrame, error) {
	for {
		select {
		case <-ctx.Done():
			return inboundFrame{}, ctx.Err()
		case f := <-incoming:
			for _, t := range wanted {
				if f.env.Type == t {
					return f, nil
				}
			}
		}
	}
}
