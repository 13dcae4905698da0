// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/config"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"127.0.0.0/8",    // IPv4 loopback
		"169.254.0.0/16", // IPv4 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// passthroughGuard validates outbound REST and passthrough targets.
type passthroughGuard struct {
	allowPrivate bool
}

func newPassthroughGuard(cfg *config.PassthroughConfig) *passthroughGuard {
	g := &passthroughGuard{}
	if cfg != nil {
		g.allowPrivate = cfg.AllowPrivateNetworks
	}
	return g
}

// checkTarget normalizes raw and enforces the scheme, allowlist, and private
// range rules. allowPrivate is the tool-level opt-in; the global setting also
// applies.
func (g *passthroughGuard) checkTarget(raw string, allowlist []string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, gwerrors.NewSSRFBlockedError("target URL is malformed", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, gwerrors.NewSSRFBlockedError(
			fmt.Sprintf("target scheme %q is not permitted", u.Scheme), nil)
	}
	if u.Host == "" {
		return nil, gwerrors.NewSSRFBlockedError("target URL has no host", nil)
	}

	normalizePath(u)

	// Dot segments that survived normalization would rewrite the authority.
	if strings.Contains(u.Path, "..") {
		return nil, gwerrors.NewSSRFBlockedError("target path escapes the base URL", nil)
	}

	host := u.Hostname()
	if !hostAllowed(host, allowlist) {
		return nil, gwerrors.NewError(gwerrors.ErrAllowlistViolation,
			"target host matches no allowlist entry", nil)
	}

	if !g.allowPrivate && !allowPrivate {
		if ip := net.ParseIP(host); isPrivateIP(ip) {
			return nil, gwerrors.NewSSRFBlockedError("target resolves to a private address", nil)
		}
	}

	return u, nil
}

// normalizePath resolves dot segments and collapses duplicate slashes.
func normalizePath(u *url.URL) {
	if u.Path == "" {
		return
	}
	trailing := strings.HasSuffix(u.Path, "/")
	cleaned := path.Clean("/" + u.Path)
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	u.Path = cleaned
	u.RawPath = ""
}

// hostAllowed matches host against allowlist entries: exact hosts or
// .suffix patterns. An empty allowlist refuses everything.
func hostAllowed(host string, allowlist []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) || host == strings.TrimPrefix(entry, ".") {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// privateDialKey marks a request context whose tool opted in to private
// network targets, so the dial-time guard lets the connection through.
type privateDialKey struct{}

// WithPrivateDialAllowed returns a context the dial-time private address
// guard will not refuse. Only set it for tools whose spec opts in.
func WithPrivateDialAllowed(ctx context.Context) context.Context {
	return context.WithValue(ctx, privateDialKey{}, true)
}

func privateDialAllowed(ctx context.Context) bool {
	allowed, _ := ctx.Value(privateDialKey{}).(bool)
	return allowed
}

// protectedDialerControl refuses connections to private addresses at dial
// time, after DNS resolution, so allowlisted hostnames cannot point the
// gateway at internal services. Requests carrying the per-tool opt-in in
// their context pass through.
func protectedDialerControl(ctx context.Context, _, address string, _ syscall.RawConn) error {
	if privateDialAllowed(ctx) {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if isPrivateIP(net.ParseIP(host)) {
		return gwerrors.NewSSRFBlockedError("target resolves to a private address", nil)
	}
	return nil
}

// NewGuardedHTTPClient builds an HTTP client whose dialer refuses private
// addresses after DNS resolution, unless the configuration permits them.
func NewGuardedHTTPClient(cfg *config.PassthroughConfig) *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	if cfg == nil || !cfg.AllowPrivateNetworks {
		transport.DialContext = (&net.Dialer{
			ControlContext: protectedDialerControl,
		}).DialContext
	}

	timeout := defaultDispatchTimeout
	if cfg != nil && cfg.DefaultTimeout > 0 {
		timeout = time.Duration(cfg.DefaultTimeout)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
