// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a requested entity does not exist or
	// is outside the caller's visibility scope.
	ErrNotFound = httperr.WithCode(
		errors.New("entity not found"),
		http.StatusNotFound,
	)

	// ErrAlreadyExists is returned when an entity with the same unique
	// identity already exists.
	ErrAlreadyExists = httperr.WithCode(
		errors.New("entity already exists"),
		http.StatusConflict,
	)
)

// IsNotFound reports whether err is the missing-entity sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is the duplicate-entity sentinel.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
