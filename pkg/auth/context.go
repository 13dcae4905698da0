// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

// UserContextKey is the key used to store the UserContext in the request
// context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even when names coincide
// across packages.
type UserContextKey struct{}

// WithUser stores a UserContext in the context.
// If user is nil, the original context is returned unchanged.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, UserContextKey{}, user)
}

// UserFromContext retrieves the UserContext from the context.
// Returns the user and true if present, nil and false otherwise.
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	if ctx == nil {
		return nil, false
	}
	user, ok := ctx.Value(UserContextKey{}).(*UserContext)
	return user, ok
}
