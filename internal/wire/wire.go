// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the length-prefixed JSON framing used on the
// coordinator<->worker socket: a 10-byte ASCII decimal header giving the
// body length, followed by exactly that many bytes of a single JSON object.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/campusgrid/exchange/pkg/errors"
)

// HeaderSize is the fixed width of the ASCII decimal length header.
const HeaderSize = 10

// DefaultMaxBodyBytes is the suggested cap on a single frame's body.
const DefaultMaxBodyBytes = 16 * 1024 * 1024

// Type discriminates a wire message's shape.
type Type string

const (
	TypeRegister   Type = "register"
	TypeRegistered Type = "registered"
	TypeHeartbeat  Type = "heartbeat"
	TypeRequestJob Type = "request_job"
	TypeJob        Type = "job"
	TypeNoJob      Type = "no_job"
	TypeJobResult  Type = "job_result"
	TypeJobReceived Type = "job_received"
	TypeDisconnect Type = "disconnect"
)

// Envelope is the generic shape every frame body parses into first, so a
// handler can dispatch on Type before unmarshaling the rest strictly.
type Envelope struct {
	Type Type `json:"type"`
}

// Specs describes a worker's last-reported resource profile.
type Specs struct {
	CPUCores      int     `json:"cpu_cores"`
	RAMGB         float64 `json:"ram_gb"`
	GPUName       string  `json:"gpu_name,omitempty"`
	DockerAvail   bool    `json:"docker_available"`
}

// RegisterMsg is the mandatory first message a worker sends.
type RegisterMsg struct {
	Type       Type   `json:"type"`
	Name       string `json:"name"`
	OwnerToken string `json:"owner_token,omitempty"`
	Specs      Specs  `json:"specs"`
}

// RegisteredMsg acknowledges a register with the assigned worker id.
type RegisteredMsg struct {
	Type     Type   `json:"type"`
	WorkerID string `json:"worker_id"`
}

// HeartbeatMsg reports a worker's liveness and self-observed status.
type HeartbeatMsg struct {
	Type     Type   `json:"type"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// RequestJobMsg asks the coordinator for the next matching job.
type RequestJobMsg struct {
	Type     Type   `json:"type"`
	WorkerID string `json:"worker_id"`
}

// JobMsg hands a job's payload to the worker that was assigned it.
type JobMsg struct {
	Type           Type    `json:"type"`
	JobID          string  `json:"job_id"`
	Code           []byte  `json:"code"`
	Requirements   string  `json:"requirements"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	CreditReward   int64   `json:"credit_reward"`
	CPUCores       int     `json:"cpu_cores"`
	RAMGB          float64 `json:"ram_gb"`
	GPURequired    bool    `json:"gpu_required"`
	DockerRequired bool    `json:"docker_required"`
}

// NoJobMsg tells the worker nothing currently matches it.
type NoJobMsg struct {
	Type Type `json:"type"`
}

// ResultFile is one artifact returned with a job result, base64-encoded per
// the wire contract (Go's encoding/json already does this for []byte).
type ResultFile struct {
	Name     string `json:"name"`
	BytesB64 []byte `json:"bytes_b64"`
}

// JobResultMsg carries a worker's outcome for a job it ran.
type JobResultMsg struct {
	Type    Type         `json:"type"`
	JobID   string       `json:"job_id"`
	Outcome string       `json:"outcome"`
	Stdout  string       `json:"stdout"`
	Stderr  string       `json:"stderr"`
	Files   []ResultFile `json:"files"`
}

// JobReceivedMsg acknowledges a job_result was recorded.
type JobReceivedMsg struct {
	Type  Type   `json:"type"`
	JobID string `json:"job_id"`
}

// DisconnectMsg announces a graceful, voluntary session end.
type DisconnectMsg struct {
	Type Type `json:"type"`
}

// Codec reads and writes framed JSON messages on one stream connection. It
// is symmetric: both the coordinator and the worker use it.
type Codec struct {
	r            *bufio.Reader
	w            io.Writer
	maxBodyBytes int
}

// New wraps conn's reader/writer with framing, bounding bodies at maxBody
// (DefaultMaxBodyBytes if zero or negative).
func New(r io.Reader, w io.Writer, maxBody int) *Codec {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Codec{r: bufio.NewReader(r), w: w, maxBodyBytes: maxBody}
}

// ReadFrame reads one complete frame and returns its raw JSON body. Partial
// reads are retried internally until N bytes arrive or the peer closes.
func (c *Codec) ReadFrame() ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, errors.Wrap(errors.CodeProtocolViolation, "read frame header", err)
	}

	n, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	if n > c.maxBodyBytes {
		return nil, errors.New(errors.CodeProtocolViolation,
			fmt.Sprintf("frame body %d bytes exceeds max %d", n, c.maxBodyBytes))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, errors.Wrap(errors.CodeProtocolViolation, "read frame body", err)
	}
	return body, nil
}

// WriteFrame writes one frame (header + body) as a single logical write.
func (c *Codec) WriteFrame(body []byte) error {
	if len(body) > c.maxBodyBytes {
		return errors.New(errors.CodeProtocolViolation,
			fmt.Sprintf("frame body %d bytes exceeds max %d", len(body), c.maxBodyBytes))
	}
	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, []byte(fmt.Sprintf("%0*d", HeaderSize, len(body)))...)
	frame = append(frame, body...)
	if _, err := c.w.Write(frame); err != nil {
		return errors.Wrap(errors.CodeProtocolViolation, "write frame", err)
	}
	return nil
}

// WriteMessage marshals v to JSON and writes it as one frame.
func (c *Codec) WriteMessage(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.CodeProtocolViolation, "marshal message", err)
	}
	return c.WriteFrame(body)
}

// ReadEnvelope reads one frame and decodes just its Type discriminator,
// leaving the raw body for the caller to strictly decode by type.
func (c *Codec) ReadEnvelope() (Envelope, []byte, error) {
	body, err := c.ReadFrame()
	if err != nil {
		return Envelope{}, nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, nil, errors.Wrap(errors.CodeProtocolViolation, "decode envelope", err)
	}
	return env, body, nil
}

func parseHeader(header []byte) (int, error) {
	n := 0
	for _, b := range header {
		if b < '0' || b > '9' {
			return 0, errors.New(errors.CodeProtocolViolation, "frame header is not ASCII decimal")
		}
		n = n*10 + int(b-'0')
	}
	return n, nil
}
