// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostFormula(t *testing.T) {
	cases := []struct {
		name string
		d    Demands
		want int64
	}{
		{"s1 happy path", Demands{CPUCores: 1, RAMGB: 1, GPURequired: false, TimeoutSeconds: 60}, 9},
		{"gpu adds ten", Demands{CPUCores: 1, RAMGB: 1, GPURequired: true, TimeoutSeconds: 60}, 19},
		{"ram rounds up", Demands{CPUCores: 0, RAMGB: 0.1, TimeoutSeconds: 1}, 5 + 1 + 1},
		{"timeout rounds up", Demands{CPUCores: 0, RAMGB: 0, TimeoutSeconds: 61}, 5 + 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Cost(tc.d))
		})
	}
}

func TestMatchesResourceCoverage(t *testing.T) {
	d := Demands{CPUCores: 2, RAMGB: 2}
	assert.True(t, Matches(d, ResourceSpec{CPUCores: 2, RAMGB: 2}))
	assert.True(t, Matches(d, ResourceSpec{CPUCores: 4, RAMGB: 8}))
	assert.False(t, Matches(d, ResourceSpec{CPUCores: 1, RAMGB: 2}))
	assert.False(t, Matches(d, ResourceSpec{CPUCores: 2, RAMGB: 1}))
}

func TestMatchesGPURequirement(t *testing.T) {
	d := Demands{GPURequired: true}
	assert.False(t, Matches(d, ResourceSpec{GPUName: ""}))
	assert.True(t, Matches(d, ResourceSpec{GPUName: "a100"}))
}

func TestMatchesDockerRequirement(t *testing.T) {
	d := Demands{DockerRequired: true}
	assert.False(t, Matches(d, ResourceSpec{DockerAvail: false}))
	assert.True(t, Matches(d, ResourceSpec{DockerAvail: true}))
}

func TestMatchesTagsAbsentIsWildcard(t *testing.T) {
	d := Demands{}
	w := ResourceSpec{Tags: map[string]string{"os": "linux"}}
	assert.True(t, Matches(d, w))
}

func TestMatchesTagsMustEqualWhenRequired(t *testing.T) {
	d := Demands{Tags: map[string]string{"os": "linux"}}
	assert.True(t, Matches(d, ResourceSpec{Tags: map[string]string{"os": "linux"}}))
	assert.False(t, Matches(d, ResourceSpec{Tags: map[string]string{"os": "darwin"}}))
	assert.False(t, Matches(d, ResourceSpec{}))
}

func TestCanTransitionStateMachine(t *testing.T) {
	assert.True(t, CanTransition(JobPending, JobRunning))
	assert.True(t, CanTransition(JobPending, JobCancelled))
	assert.True(t, CanTransition(JobRunning, JobCompleted))
	assert.True(t, CanTransition(JobRunning, JobFailed))
	assert.True(t, CanTransition(JobRunning, JobTimedOut))
	assert.False(t, CanTransition(JobRunning, JobCancelled))
	assert.False(t, CanTransition(JobCompleted, JobRunning))
	assert.False(t, CanTransition(JobCancelled, JobRunning))
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled, JobTimedOut} {
		assert.True(t, s.IsTerminal())
	}
	for _, s := range []JobStatus{JobPending, JobRunning} {
		assert.False(t, s.IsTerminal())
	}
}

func TestRefundFraction(t *testing.T) {
	assert.Equal(t, 0.5, RefundFraction(JobTimedOut, 0.5, false))
	assert.Equal(t, 0.0, RefundFraction(JobFailed, 0.5, false))
	assert.Equal(t, 1.0, RefundFraction(JobFailed, 0.5, true))
	assert.Equal(t, 1.0, RefundFraction(JobCancelled, 0.5, false))
	assert.Equal(t, 0.0, RefundFraction(JobCompleted, 0.5, false))
}
