// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"
)

// ForwardedUserHeaderPrefix is the prefix of all gateway-produced identity
// headers. Client-supplied headers with this prefix are never trusted.
const ForwardedUserHeaderPrefix = "X-Forwarded-User-"

// CorrelationIDHeader is stripped from inbound requests; the gateway assigns
// its own correlation IDs.
const CorrelationIDHeader = "X-Correlation-ID"

// ScrubRequestHeaders removes client-supplied identity and correlation
// headers, plus any header named in the deny list, from h in place. It runs
// before every pool acquire and outbound call so spoofed identity headers
// can neither reach an upstream nor pollute pool keying.
func ScrubRequestHeaders(h http.Header, denyList []string) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), ForwardedUserHeaderPrefix) {
			delete(h, name)
		}
	}
	h.Del(CorrelationIDHeader)
	for _, name := range denyList {
		h.Del(name)
	}
}
