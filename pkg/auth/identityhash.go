// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// AnonymousIdentityHash is the identity hash of a request carrying none of
// the hashed credential headers.
const AnonymousIdentityHash = "anonymous"

// identityHashHeaders are the request headers folded into the identity hash.
// The set is fixed: adding headers would fragment upstream session pools,
// removing any would share sessions across identities.
var identityHashHeaders = []string{
	"Authorization",
	"X-Tenant-ID",
	"X-User-ID",
	"X-API-Key",
	"Cookie",
}

// IdentityHash computes a stable digest over the caller's credential headers.
// Requests with the same credentials map to the same hash on every worker,
// which makes the hash safe to use as a pool isolation key. Requests with no
// credential headers hash to the literal "anonymous".
func IdentityHash(h http.Header) string {
	return IdentityHashWith(h, nil)
}

// IdentityHashWith extends IdentityHash with gateway-built identity headers.
// Those never arrive as request headers, so they must enter the digest here
// or two users whose requests carry no credential headers would share a
// hash. Empty on both sides still hashes to "anonymous".
func IdentityHashWith(h http.Header, identity map[string]string) string {
	var lines []string
	for _, name := range identityHashHeaders {
		if value := h.Get(name); value != "" {
			lines = append(lines, strings.ToLower(name)+"="+value)
		}
	}
	for name, value := range identity {
		if value != "" {
			lines = append(lines, strings.ToLower(name)+"="+value)
		}
	}
	if len(lines) == 0 {
		return AnonymousIdentityHash
	}

	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
