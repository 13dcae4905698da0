// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

func TestIsPrivateIP(t *testing.T) {
	t.Parallel()

	private := []string{
		"10.1.2.3", "172.16.0.1", "172.31.255.255", "192.168.1.1",
		"127.0.0.1", "169.254.169.254", "::1", "fe80::1", "fd00::1",
	}
	for _, addr := range private {
		assert.True(t, isPrivateIP(net.ParseIP(addr)), addr)
	}

	public := []string{"8.8.8.8", "93.184.216.34", "172.32.0.1", "2001:db8::1"}
	for _, addr := range public {
		assert.False(t, isPrivateIP(net.ParseIP(addr)), addr)
	}

	assert.False(t, isPrivateIP(nil))
}

func TestHostAllowed(t *testing.T) {
	t.Parallel()

	allowlist := []string{"api.example.com", ".github.com"}

	assert.True(t, hostAllowed("api.example.com", allowlist))
	assert.True(t, hostAllowed("API.EXAMPLE.COM", allowlist))
	assert.True(t, hostAllowed("api.github.com", allowlist))
	assert.True(t, hostAllowed("github.com", allowlist), "suffix entries also match the bare domain")

	assert.False(t, hostAllowed("evil.com", allowlist))
	assert.False(t, hostAllowed("example.com", allowlist), "exact entries do not match parents")
	assert.False(t, hostAllowed("notgithub.com", allowlist))
	assert.False(t, hostAllowed("api.example.com", nil), "empty allowlist refuses everything")
}

func TestProtectedDialerControl(t *testing.T) {
	t.Parallel()

	err := protectedDialerControl(context.Background(), "tcp", "10.1.2.3:443", nil)
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrSSRFBlocked, gwerrors.TypeOf(err))

	assert.NoError(t, protectedDialerControl(context.Background(), "tcp", "93.184.216.34:443", nil))

	// A tool that opted in to private targets carries the allowance in its
	// request context, so the URL check and the dial check agree.
	allowed := WithPrivateDialAllowed(context.Background())
	assert.NoError(t, protectedDialerControl(allowed, "tcp", "10.1.2.3:443", nil))
	assert.NoError(t, protectedDialerControl(allowed, "tcp", "127.0.0.1:8080", nil))
}

func TestCheckTarget(t *testing.T) {
	t.Parallel()
	guard := newPassthroughGuard(nil)
	allowlist := []string{"api.example.com"}

	t.Run("allowed host passes", func(t *testing.T) {
		t.Parallel()
		u, err := guard.checkTarget("https://api.example.com/v1/items", allowlist, false)
		require.NoError(t, err)
		assert.Equal(t, "/v1/items", u.Path)
	})

	t.Run("path is normalized", func(t *testing.T) {
		t.Parallel()
		u, err := guard.checkTarget("https://api.example.com/v1//items/../users/", allowlist, false)
		require.NoError(t, err)
		assert.Equal(t, "/v1/users/", u.Path)
	})

	t.Run("host not on allowlist", func(t *testing.T) {
		t.Parallel()
		_, err := guard.checkTarget("https://evil.com/steal", allowlist, false)
		require.Error(t, err)
		assert.Equal(t, gwerrors.ErrAllowlistViolation, gwerrors.TypeOf(err))
	})

	t.Run("non-http scheme refused", func(t *testing.T) {
		t.Parallel()
		_, err := guard.checkTarget("file:///etc/passwd", allowlist, false)
		require.Error(t, err)
		assert.Equal(t, gwerrors.ErrSSRFBlocked, gwerrors.TypeOf(err))
	})

	t.Run("metadata endpoint refused", func(t *testing.T) {
		t.Parallel()
		_, err := guard.checkTarget("http://169.254.169.254/latest/meta-data",
			[]string{"169.254.169.254"}, false)
		require.Error(t, err)
		assert.Equal(t, gwerrors.ErrSSRFBlocked, gwerrors.TypeOf(err))
	})

	t.Run("private address with tool opt-in", func(t *testing.T) {
		t.Parallel()
		_, err := guard.checkTarget("http://127.0.0.1:8080/health",
			[]string{"127.0.0.1"}, true)
		require.NoError(t, err)
	})

	t.Run("private address with global opt-in", func(t *testing.T) {
		t.Parallel()
		permissive := newPassthroughGuard(&config.PassthroughConfig{AllowPrivateNetworks: true})
		_, err := permissive.checkTarget("http://192.168.0.10/status",
			[]string{"192.168.0.10"}, false)
		require.NoError(t, err)
	})

	t.Run("missing host refused", func(t *testing.T) {
		t.Parallel()
		_, err := guard.checkTarget("https:///nohost", allowlist, false)
		require.Error(t, err)
		assert.Equal(t, gwerrors.ErrSSRFBlocked, gwerrors.TypeOf(err))
	})
}

func TestExpandPathTemplate(t *testing.T) {
	t.Parallel()

	args := map[string]any{"owner": "stacklok", "repo": "with space", "extra": 1}
	expanded, err := expandPathTemplate("/repos/{owner}/{repo}/issues", args)
	require.NoError(t, err)
	assert.Equal(t, "/repos/stacklok/with%20space/issues", expanded)
	assert.Equal(t, map[string]any{"extra": 1}, args, "used arguments are consumed")

	_, err = expandPathTemplate("/repos/{owner}", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrInvalidArgs, gwerrors.TypeOf(err))
}
