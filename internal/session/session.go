// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package session runs the coordinator's worker-facing TCP listener: one
// accepted connection becomes one long-lived duplex session, dispatching
// register/heartbeat/request_job/job_result/disconnect frames against the
// worker registry and scheduler.
package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/internal/wire"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/logging"
)

// Registry is the subset of internal/registry.Registry a session needs.
type Registry interface {
	Attach(ctx context.Context, name, ownerToken string, specs domain.ResourceSpec, send chan<- any) (string, error)
	Heartbeat(workerID string, reported domain.WorkerStatus) error
	Detach(ctx context.Context, workerID string, reason string) error
	Send(workerID string, msg any) bool
}

// Scheduler is the subset of internal/scheduler.Scheduler a session needs.
type Scheduler interface {
	TryAssign(ctx context.Context, workerID string, specs domain.ResourceSpec) (*domain.Job, error)
	Settle(ctx context.Context, workerID, jobID string, outcome domain.JobStatus, result domain.Result) (domain.Job, error)
}

// Config controls the session server's framing and liveness policy.
type Config struct {
	MaxFrameBytes      int
	OutboundBufferSize int
	HeartbeatInterval  time.Duration
}

// DefaultConfig matches spec §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:      wire.DefaultMaxBodyBytes,
		OutboundBufferSize: 16,
		HeartbeatInterval:  30 * time.Second,
	}
}

// Server accepts worker connections and runs one session per connection.
type Server struct {
	cfg       Config
	registry  Registry
	scheduler Scheduler
	logger    logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server. logger may be nil.
func New(cfg Config, registry Registry, scheduler Scheduler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{cfg: cfg, registry: registry, scheduler: scheduler, logger: logger}
}

// Serve listens on addr and runs sessions until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "listen on worker socket", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logging.LogOperation(s.logger, "session.serve", "addr", addr).Info("worker listener started")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.LogError(s.logger, err, "session.accept")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr returns the listener's bound address, valid only after Serve has
// started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(parent context.Context, conn net.Conn) {
	defer conn.Close()
	codec := wire.New(conn, conn, s.cfg.MaxFrameBytes)

	env, body, err := codec.ReadEnvelope()
	if err != nil {
		logging.LogError(s.logger, err, "session.register_read")
		return
	}
	if env.Type != wire.TypeRegister {
		logging.LogOperation(s.logger, "session.register_read", "got_type", string(env.Type)).Warn("first frame was not register")
		return
	}
	var reg wire.RegisterMsg
	if err := json.Unmarshal(body, &reg); err != nil {
		logging.LogError(s.logger, err, "session.register_decode")
		return
	}

	specs := domain.ResourceSpec{
		CPUCores:    reg.Specs.CPUCores,
		RAMGB:       reg.Specs.RAMGB,
		GPUName:     reg.Specs.GPUName,
		DockerAvail: reg.Specs.DockerAvail,
	}

	outbound := make(chan any, s.cfg.OutboundBufferSize)
	workerID, err := s.registry.Attach(parent, reg.Name, reg.OwnerToken, specs, outbound)
	if err != nil {
		logging.LogError(s.logger, err, "session.attach", "name", reg.Name)
		return
	}
	if err := codec.WriteMessage(wire.RegisteredMsg{Type: wire.TypeRegistered, WorkerID: workerID}); err != nil {
		logging.LogError(s.logger, err, "session.registered_ack", "worker_id", workerID)
		return
	}

	sess := &session{
		server:   s,
		codec:    codec,
		workerID: workerID,
		specs:    specs,
		outbound: outbound,
	}
	sess.lastActivity.Store(time.Now())

	sessCtx, cancel := context.WithCancel(parent)
	defer cancel()
	// readLoop blocks in a socket read that ignores ctx; closing the conn
	// once the session is cancelled is what unblocks it.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	g, gctx := errgroup.WithContext(sessCtx)
	// Any one of the three goroutines ending - cleanly or not - ends the
	// whole session, so each wraps its return in a cancel of gctx's parent.
	g.Go(func() error { defer cancel(); return sess.readLoop(gctx) })
	g.Go(func() error { defer cancel(); return sess.writeLoop(gctx) })
	g.Go(func() error { defer cancel(); return sess.silenceWatch(gctx, cancel) })

	reason := "session_ended"
	if err := g.Wait(); err != nil {
		reason = err.Error()
	}
	s.registry.Detach(context.Background(), workerID, reason)
}

// session is the per-connection state shared by the reader, writer, and
// silence-watch goroutines started for one accepted worker socket.
type session struct {
	server   *Server
	codec    *wire.Codec
	workerID string
	specs    domain.ResourceSpec
	outbound chan any

	lastActivity atomic.Value // time.Time
}

func (s *session) touch() { s.lastActivity.Store(time.Now()) }

func (s *session) readLoop(ctx context.Context) error {
	for {
		env, body, err := s.codec.ReadEnvelope()
		if err != nil {
			return err
		}
		s.touch()

		switch env.Type {
		case wire.TypeHeartbeat:
			var msg wire.HeartbeatMsg
			if err := json.Unmarshal(body, &msg); err != nil {
				return errors.Wrap(errors.CodeProtocolViolation, "decode heartbeat", err)
			}
			if err := s.server.registry.Heartbeat(s.workerID, domain.WorkerStatus(msg.Status)); err != nil {
				logging.LogError(s.server.logger, err, "session.heartbeat", "worker_id", s.workerID)
			}

		case wire.TypeRequestJob:
			job, err := s.server.scheduler.TryAssign(ctx, s.workerID, s.specs)
			if err != nil {
				logging.LogError(s.server.logger, err, "session.request_job", "worker_id", s.workerID)
				continue
			}
			if job == nil {
				s.enqueueOutbound(wire.NoJobMsg{Type: wire.TypeNoJob})
				continue
			}
			if !s.enqueueOutbound(wire.JobMsg{
				Type:           wire.TypeJob,
				JobID:          job.ID,
				Code:           job.Code,
				Requirements:   job.Requirements,
				TimeoutSeconds: job.Demands.TimeoutSeconds,
				CreditReward:   job.CreditReward,
				CPUCores:       job.Demands.CPUCores,
				RAMGB:          job.Demands.RAMGB,
				GPURequired:    job.Demands.GPURequired,
				DockerRequired: job.Demands.DockerRequired,
			}) {
				// The worker can never receive this job now, so it must be
				// rolled back immediately rather than left running until the
				// stall-grace reaper eventually notices (spec: worker_lost).
				if _, settleErr := s.server.scheduler.Settle(ctx, s.workerID, job.ID, domain.JobFailed, domain.Result{}); settleErr != nil {
					logging.LogError(s.server.logger, settleErr, "session.job_delivery_rollback", "worker_id", s.workerID, "job_id", job.ID)
				}
				return errors.New(errors.CodeUnavailable, "outbound channel full, job rolled back").WithDetails(job.ID)
			}

		case wire.TypeJobResult:
			var msg wire.JobResultMsg
			if err := json.Unmarshal(body, &msg); err != nil {
				return errors.Wrap(errors.CodeProtocolViolation, "decode job_result", err)
			}
			result := domain.Result{Stdout: msg.Stdout, Stderr: msg.Stderr}
			for _, f := range msg.Files {
				result.Artifacts = append(result.Artifacts, domain.ArtifactFile{Name: f.Name, Bytes: f.BytesB64})
			}
			if _, err := s.server.scheduler.Settle(ctx, s.workerID, msg.JobID, domain.JobStatus(msg.Outcome), result); err != nil {
				logging.LogError(s.server.logger, err, "session.job_result", "worker_id", s.workerID, "job_id", msg.JobID)
			}
			s.enqueueOutbound(wire.JobReceivedMsg{Type: wire.TypeJobReceived, JobID: msg.JobID})

		case wire.TypeDisconnect:
			return nil

		default:
			return errors.New(errors.CodeProtocolViolation, "unrecognized frame type").WithDetails(string(env.Type))
		}
	}
}

// enqueueOutbound delivers msg via the registry so overflow uses the same
// non-blocking backpressure path as any other push to this worker. It
// reports whether the send succeeded so callers that handed out a job can
// roll it back on failure instead of leaving it stranded.
func (s *session) enqueueOutbound(msg any) bool {
	ok := s.server.registry.Send(s.workerID, msg)
	if !ok {
		logging.LogOperation(s.server.logger, "session.outbound_overflow", "worker_id", s.workerID).Warn("outbound channel full")
	}
	return ok
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.outbound:
			if !ok {
				return nil
			}
			if err := s.codec.WriteMessage(msg); err != nil {
				return err
			}
		}
	}
}

// silenceWatch detaches the session if no frame has arrived within
// 3x the configured heartbeat interval.
func (s *session) silenceWatch(ctx context.Context, cancel context.CancelFunc) error {
	limit := 3 * s.server.cfg.HeartbeatInterval
	ticker := time.NewTicker(s.server.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := s.lastActivity.Load().(time.Time)
			if time.Since(last) > limit {
				cancel()
				return errors.New(errors.CodeUnavailable, "heartbeat_timeout")
			}
		}
	}
}
