// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/exchange/internal/domain"
)

func TestRestrictedExecutorCapturesStdout(t *testing.T) {
	dir := t.TempDir()
	exec := NewRestrictedExecutor("/bin/sh", dir, DefaultLimits(), nil)

	run := Run{
		JobID: "job-1",
		Code:  []byte("echo hello"),
		Demands: domain.Demands{TimeoutSeconds: 5},
	}
	result, err := exec.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "hello")
}

func TestRestrictedExecutorKillsOnTimeout(t *testing.T) {
	dir := t.TempDir()
	exec := NewRestrictedExecutor("/bin/sh", dir, DefaultLimits(), nil)

	run := Run{
		JobID:   "job-2",
		Code:    []byte("sleep 5"),
		Demands: domain.Demands{TimeoutSeconds: 1},
	}
	_, err := exec.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRestrictedExecutorRejectsZeroTimeout(t *testing.T) {
	dir := t.TempDir()
	exec := NewRestrictedExecutor("/bin/sh", dir, DefaultLimits(), nil)

	_, err := exec.Execute(context.Background(), Run{JobID: "job-3", Demands: domain.Demands{}})
	require.Error(t, err)
}

func TestRestrictedExecutorReturnsErrorOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	exec := NewRestrictedExecutor("/bin/sh", dir, DefaultLimits(), nil)

	run := Run{
		JobID:   "job-4",
		Code:    []byte("echo bad >&2; exit 7"),
		Demands: domain.Demands{TimeoutSeconds: 5},
	}
	result, err := exec.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, result.Stderr, "bad")
}

func TestLimitedBufferTruncatesAtCap(t *testing.T) {
	b := &limitedBuffer{limit: 5}
	n, err := b.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, len("hello world"), n)
	assert.Equal(t, "hello", b.String())
}

func TestCollectArtifactsRespectsByteBudget(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bbbbb"), 0o644))

	artifacts, err := collectArtifacts(dir, 5)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "a.txt", artifacts[0].Name)
	assert.Len(t, artifacts[0].Bytes, 5)
}

func TestCollectArtifactsOnMissingDirReturnsEmpty(t *testing.T) {
	artifacts, err := collectArtifacts(filepath.Join(t.TempDir(), "missing"), 100)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}
