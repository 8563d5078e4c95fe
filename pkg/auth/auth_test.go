// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-signing-key", time.Hour)

	token, err := issuer.Issue("user-1", "submitter")
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "submitter", claims.Role)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issuer := NewTokenIssuer("key-a", time.Hour)
	token, err := issuer.Issue("user-1", "worker-owner")
	require.NoError(t, err)

	other := NewTokenIssuer("key-b", time.Hour)
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer("test-signing-key", -time.Second)
	token, err := issuer.Issue("user-1", "coordinator")
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	issuer := NewTokenIssuer("test-signing-key", 0)
	token, err := issuer.Issue("worker-owner-1", "worker-owner")
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong password"))
}
