// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream provides the MCP client used to talk to federated
// upstream servers over streamable HTTP, SSE, or a stdio subprocess.
//
// A Client is one initialized MCP session. The session pool owns clients
// and hands them out for single calls; nothing outside the pool holds one
// across requests.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mattn/go-shellwords"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/versions"
)

// Transport identifiers accepted in gateway records.
const (
	// TransportStreamable is the streamable HTTP transport.
	TransportStreamable = "streamable_http"
	// TransportSSE is the HTTP+SSE transport.
	TransportSSE = "sse"
	// TransportStdio spawns the upstream as a subprocess and speaks MCP
	// over its stdin/stdout.
	TransportStdio = "stdio"
)

const (
	// maxResponseSize caps each HTTP response body for streamable
	// upstreams to prevent memory exhaustion. Not applied to SSE, whose
	// single long-lived response body would be cut off mid-stream.
	maxResponseSize = 100 * 1024 * 1024 // 100 MB

	// defaultRequestTimeout is the wall-clock deadline for individual
	// streamable HTTP requests. Not used for SSE, whose stream lifetime
	// is unbounded.
	defaultRequestTimeout = 30 * time.Second
)

// ErrUnsupportedTransport is returned for transport types the client does
// not implement.
var ErrUnsupportedTransport = errors.New("unsupported transport type")

// Target describes one upstream connection: where to connect, how to
// authenticate, and which sticky headers accompany every request for the
// session's life.
type Target struct {
	// ID is the gateway record ID, used in errors and logs.
	ID string
	// Name is the gateway display name.
	Name string
	// URL is the endpoint, or the command line for stdio transports.
	URL string
	// Transport selects streamable_http, sse, or stdio.
	Transport string
	// Auth configures upstream authentication. Nil means none.
	Auth *catalog.UpstreamAuth
	// Headers are set on every HTTP request for the session's life.
	// Callers must scrub them before building the target.
	Headers map[string]string
	// Timeout overrides the per-request deadline for streamable HTTP.
	// Zero uses the default of 30s.
	Timeout time.Duration
}

// NormalizeTransport canonicalizes the transport identifier, accepting the
// streamable-http and streamable aliases. It returns an empty string for
// unknown transports.
func NormalizeTransport(transport string) string {
	switch transport {
	case TransportStreamable, "streamable-http", "streamable":
		return TransportStreamable
	case TransportSSE:
		return TransportSSE
	case TransportStdio:
		return TransportStdio
	default:
		return ""
	}
}

// Client is one initialized MCP session to an upstream server.
type Client struct {
	target     *Target
	mcp        *mcpclient.Client
	serverCaps mcp.ServerCapabilities
	sessionID  string
}

// roundTripperFunc adapts a plain function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// authRoundTripper applies a pre-resolved authentication strategy to every
// outgoing request.
type authRoundTripper struct {
	base     http.RoundTripper
	strategy Strategy
	authCfg  *catalog.UpstreamAuth
	targetID string
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	if err := a.strategy.Authenticate(reqClone.Context(), reqClone, a.authCfg); err != nil {
		return nil, fmt.Errorf("authentication failed for upstream %s: %w", a.targetID, err)
	}
	return a.base.RoundTrip(reqClone)
}

// headerRoundTripper sets the sticky session headers on every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(h.headers) == 0 {
		return h.base.RoundTrip(req)
	}
	reqClone := req.Clone(req.Context())
	for name, value := range h.headers {
		reqClone.Header.Set(name, value)
	}
	return h.base.RoundTrip(reqClone)
}

// Connect establishes a session to the target: it builds the transport,
// performs the MCP initialize handshake, and captures the server
// capabilities and any upstream-assigned session ID.
func Connect(ctx context.Context, target *Target, registry *StrategyRegistry) (*Client, error) {
	mcpc, err := newMCPClient(target, registry)
	if err != nil {
		return nil, err
	}

	c := &Client{target: target, mcp: mcpc}
	if err := c.initialize(ctx); err != nil {
		_ = mcpc.Close()
		return nil, err
	}

	// Streamable HTTP servers assign a session ID during initialize; the
	// transport captures it from the Mcp-Session-Id response header. It
	// keys cross-worker affinity.
	if sh, ok := mcpc.GetTransport().(*mcptransport.StreamableHTTP); ok {
		c.sessionID = sh.GetSessionId()
	}

	return c, nil
}

// newMCPClient builds and starts the transport-specific MCP client.
func newMCPClient(target *Target, registry *StrategyRegistry) (*mcpclient.Client, error) {
	transport := NormalizeTransport(target.Transport)
	if transport == TransportStdio {
		// The stdio constructor spawns the subprocess and starts the
		// transport itself.
		parts, err := shellwords.Parse(target.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid command line for upstream %s: %w", target.ID, err)
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty command line for upstream %s", target.ID)
		}
		c, err := mcpclient.NewStdioMCPClient(parts[0], nil, parts[1:]...)
		if err != nil {
			return nil, fmt.Errorf("failed to spawn upstream %s: %w", target.ID, err)
		}
		return c, nil
	}

	strategy, err := registry.resolveStrategy(target.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve auth for upstream %s: %w", target.ID, err)
	}
	if err := strategy.Validate(target.Auth); err != nil {
		return nil, fmt.Errorf("invalid auth configuration for upstream %s: %w", target.ID, err)
	}

	// Transport chain: sticky headers, then auth, then the wire. Auth runs
	// last so credentials win any header collision.
	base := http.RoundTripper(http.DefaultTransport)
	base = &authRoundTripper{base: base, strategy: strategy, authCfg: target.Auth, targetID: target.ID}
	base = &headerRoundTripper{base: base, headers: target.Headers}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var c *mcpclient.Client
	switch transport {
	case TransportStreamable:
		sizeLimited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := base.RoundTrip(req)
			if err != nil {
				return nil, err
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{
				Reader: io.LimitReader(resp.Body, maxResponseSize),
				Closer: resp.Body,
			}
			return resp, nil
		})
		httpClient := &http.Client{Transport: sizeLimited, Timeout: timeout}
		c, err = mcpclient.NewStreamableHttpClient(
			target.URL,
			mcptransport.WithHTTPTimeout(timeout),
			mcptransport.WithHTTPBasicClient(httpClient),
		)
	case TransportSSE:
		// No http.Client.Timeout and no size limit: both would kill the
		// long-lived event stream. Operation deadlines come from the
		// per-call context.
		httpClient := &http.Client{Transport: base}
		c, err = mcpclient.NewSSEMCPClient(
			target.URL,
			mcptransport.WithHTTPClient(httpClient),
		)
	default:
		return nil, fmt.Errorf("%w: %s (supported: streamable_http, sse, stdio)",
			ErrUnsupportedTransport, target.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client for upstream %s: %w", transport, target.ID, err)
	}

	// Start with the background context so the transport's lifetime is
	// bound to Close, not to the caller's acquire deadline. SSE would
	// otherwise tear down its read goroutine when the acquire context is
	// cancelled after the handshake.
	if err := c.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start client for upstream %s: %w", target.ID, err)
	}
	return c, nil
}

// initialize runs the MCP handshake and records the server capabilities.
func (c *Client) initialize(ctx context.Context) error {
	result, err := c.mcp.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcp-gateway",
				Version: versions.Version,
			},
		},
	})
	if err != nil {
		return c.wrapError(err, "initialize")
	}
	c.serverCaps = result.Capabilities
	return nil
}

// Target returns the connection description this client was built from.
func (c *Client) Target() *Target {
	return c.target
}

// SessionID returns the upstream-assigned session ID, or an empty string
// for transports that do not assign one.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ServerCapabilities returns the capabilities advertised at initialize.
func (c *Client) ServerCapabilities() mcp.ServerCapabilities {
	return c.serverCaps
}

// CallTool invokes a tool on the upstream. meta is forwarded as the
// request's _meta field when non-nil.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
	if len(meta) > 0 {
		req.Params.Meta = &mcp.Meta{AdditionalFields: meta}
	}

	result, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, fmt.Sprintf("call tool %s", name))
	}
	return result, nil
}

// ReadResource reads a resource from the upstream by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	result, err := c.mcp.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, c.wrapError(err, fmt.Sprintf("read resource %s", uri))
	}
	return result, nil
}

// GetPrompt renders a prompt on the upstream. Argument values are
// stringified per the MCP prompt contract.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}

	result, err := c.mcp.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, c.wrapError(err, fmt.Sprintf("get prompt %s", name))
	}
	return result, nil
}

// ListTools lists tools from the upstream starting at cursor.
func (c *Client) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	req := mcp.ListToolsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := c.mcp.ListTools(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, "list tools")
	}
	return result, nil
}

// ListResources lists resources from the upstream starting at cursor.
func (c *Client) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	req := mcp.ListResourcesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := c.mcp.ListResources(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, "list resources")
	}
	return result, nil
}

// ListPrompts lists prompts from the upstream starting at cursor.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	req := mcp.ListPromptsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := c.mcp.ListPrompts(ctx, req)
	if err != nil {
		return nil, c.wrapError(err, "list prompts")
	}
	return result, nil
}

// Probe performs a cheap liveness check by listing tools. The caller
// bounds it with a context deadline.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.ListTools(ctx, "")
	return err
}

// Close terminates the session and its transport.
func (c *Client) Close() error {
	return c.mcp.Close()
}

// wrapError maps transport failures onto the gateway error taxonomy.
func (c *Client) wrapError(err error, operation string) error {
	name := c.target.Name
	if name == "" {
		name = c.target.ID
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.NewUpstreamTimeoutError(
			fmt.Sprintf("failed to %s on upstream %s", operation, name), err)
	}
	if errors.Is(err, context.Canceled) {
		return gwerrors.NewCancelledError(
			fmt.Sprintf("cancelled while trying to %s on upstream %s", operation, name), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.NewUpstreamTimeoutError(
			fmt.Sprintf("failed to %s on upstream %s", operation, name), err)
	}

	return gwerrors.NewUpstreamUnavailableError(
		fmt.Sprintf("failed to %s on upstream %s", operation, name), err)
}
