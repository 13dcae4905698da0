// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package builtin imports all built-in plugin implementations to ensure
// their init() functions are called and they register themselves with the
// plugins registry.
//
// When adding a new built-in plugin, add a blank import here.
package builtin

import (
	// Import the Cedar policy plugin to register it
	_ "github.com/stacklok/mcp-gateway/pkg/plugins/builtin/cedar"
	// Import the rate limit plugin to register it
	_ "github.com/stacklok/mcp-gateway/pkg/plugins/builtin/ratelimit"
	// Import the regex guard plugin to register it
	_ "github.com/stacklok/mcp-gateway/pkg/plugins/builtin/regexguard"
)
