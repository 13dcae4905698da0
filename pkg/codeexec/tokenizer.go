// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
)

// detectors match the PII types the tokenization policy may enable.
var detectors = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	"phone": regexp.MustCompile(`\+?[0-9][0-9 ().-]{6,}[0-9]`),
}

// token derives the stable replacement for one value. The same value always
// produces the same token, so repeated runs in a session stay consistent.
func token(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "tok_" + hex.EncodeToString(sum[:])[:16]
}

// tokenizeInput replaces configured PII types in code with stable tokens and
// records the mapping in the session row. The mapping never leaves the row
// and is purged with the session.
func (s *Service) tokenizeInput(
	ctx context.Context, server *catalog.VirtualServer, user *auth.UserContext,
	sess *Session, language, code string, tok *TokenizationPolicy,
) string {
	if sess.row.Tokens == nil {
		sess.row.Tokens = make(map[string]string)
	}

	changed := false
	for _, kind := range tok.Types {
		detector, ok := detectors[kind]
		if !ok {
			continue
		}
		code = detector.ReplaceAllStringFunc(code, func(match string) string {
			t := token(match)
			if sess.row.Tokens[t] != match {
				sess.row.Tokens[t] = match
				changed = true
			}
			return t
		})
	}

	if changed {
		s.storeRow(ctx, registryKey(server.ID, userEmail(user), language), sess.row)
	}
	return code
}

// detokenize restores original values in sandbox output.
func detokenize(text string, tokens map[string]string) string {
	for t, value := range tokens {
		text = strings.ReplaceAll(text, t, value)
	}
	return text
}
