// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserContext_StoreAndRetrieve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	user := &UserContext{
		UserID:     "user123",
		Email:      "alice@example.com",
		TeamID:     "eng",
		AuthMethod: MethodBearer,
	}

	ctx = WithUser(ctx, user)

	retrieved, ok := UserFromContext(ctx)
	require.True(t, ok, "expected user to be present in context")
	assert.Equal(t, user.UserID, retrieved.UserID)
	assert.Equal(t, user.Email, retrieved.Email)
	assert.Equal(t, user.TeamID, retrieved.TeamID)
}

func TestUserContext_NilUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newCtx := WithUser(ctx, nil)
	assert.Equal(t, ctx, newCtx, "storing nil leaves the context unchanged")

	_, ok := UserFromContext(newCtx)
	assert.False(t, ok)
}

func TestUserContext_Missing(t *testing.T) {
	t.Parallel()

	user, ok := UserFromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, user)
}

func TestUserContext_String(t *testing.T) {
	t.Parallel()

	var nilUser *UserContext
	assert.Equal(t, "<nil>", nilUser.String())

	user := &UserContext{UserID: "user123", AuthMethod: MethodAPIKey}
	assert.Equal(t, `UserContext{UserID:"user123", AuthMethod:"api_key"}`, user.String())
}
