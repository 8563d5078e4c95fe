// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/internal/wire"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/logging"
)

func TestOutcomeForNilErrorIsCompleted(t *testing.T) {
	assert.Equal(t, domain.JobCompleted, outcomeFor(nil))
}

func TestOutcomeForTimeoutErrorIsTimedOut(t *testing.T) {
	err := errors.New(errors.CodeUnavailable, "job exceeded timeout and was killed")
	assert.Equal(t, domain.JobTimedOut, outcomeFor(err))
}

func TestOutcomeForOtherErrorIsFailed(t *testing.T) {
	err := errors.New(errors.CodeUnavailable, "container run failed")
	assert.Equal(t, domain.JobFailed, outcomeFor(err))
}

func TestWaitForReturnsMatchingFrame(t *testing.T) {
	ch := make(chan inboundFrame, 2)
	ch <- inboundFrame{env: wire.Envelope{Type: wire.TypeNoJob}}
	ch <- inboundFrame{env: wire.Envelope{Type: wire.TypeJob}, body: []byte(`{"job_id":"j1"}`)}

	f, err := waitFor(context.Background(), ch, wire.TypeJob, wire.TypeNoJob)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeNoJob, f.env.Type)
}

func TestWaitForSkipsUnrelatedFrames(t *testing.T) {
	ch := make(chan inboundFrame, 2)
	ch <- inboundFrame{env: wire.Envelope{Type: wire.TypeJobReceived}}
	ch <- inboundFrame{env: wire.Envelope{Type: wire.TypeNoJob}}

	f, err := waitFor(context.Background(), ch, wire.TypeNoJob)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeNoJob, f.env.Type)
}

func TestWaitForReturnsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan inboundFrame)

	_, err := waitFor(ctx, ch, wire.TypeJob)
	assert.Error(t, err)
}

func TestContainsTimeoutMatchesSubstring(t *testing.T) {
	assert.True(t, containsTimeout("job exceeded timeout and was killed"))
	assert.False(t, containsTimeout("container run failed"))
}

func TestHostnameOrDefaultNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, hostnameOrDefault())
}

func TestConnectAndRunStopsOnCancelledContext(t *testing.T) {
	// connectAndRun must return promptly when its context is already done,
	// without completing a dial.
	coordinatorAddr = "127.0.0.1:1" // reserved, connection refused fast
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = ctx

	done := make(chan struct{})
	go func() {
		_ = connectAndRun(ctx, logging.NoOpLogger{}, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectAndRun did not return promptly on a cancelled context")
	}
}
