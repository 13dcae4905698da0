// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package catalog defines the domain types for the entities the gateway
// federates: upstream gateways, tools, resources, prompts, and the virtual
// servers that bundle them. These types are shared by the storage layer, the
// federation router, and the admin API.
package catalog

import (
	"encoding/json"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/config"
)

// Visibility controls which callers may see and invoke an entity.
type Visibility string

const (
	// VisibilityPublic makes an entity visible to every caller.
	VisibilityPublic Visibility = "public"
	// VisibilityTeam restricts an entity to members of its owning team.
	VisibilityTeam Visibility = "team"
	// VisibilityPrivate restricts an entity to its owner.
	VisibilityPrivate Visibility = "private"
)

// IntegrationType identifies how an entity invocation reaches its
// implementation.
type IntegrationType string

const (
	// IntegrationMCP dispatches through a pooled MCP session to the
	// entity's upstream gateway.
	IntegrationMCP IntegrationType = "mcp"
	// IntegrationREST dispatches as a single HTTP request built from the
	// tool's REST spec.
	IntegrationREST IntegrationType = "rest"
	// IntegrationGraphQL dispatches as a GraphQL operation POSTed to the
	// tool's endpoint.
	IntegrationGraphQL IntegrationType = "graphql"
	// IntegrationGRPC dispatches as a unary gRPC call described by the
	// tool's stored descriptor set.
	IntegrationGRPC IntegrationType = "grpc"
	// IntegrationPassthrough proxies arbitrary subpaths under the tool's
	// base URL via the HTTP passthrough route.
	IntegrationPassthrough IntegrationType = "passthrough"
	// IntegrationCodeExecution dispatches to the code execution service.
	IntegrationCodeExecution IntegrationType = "code_execution"
)

// UpstreamAuthType enumerates the authentication schemes the gateway can use
// toward an upstream server.
type UpstreamAuthType string

const (
	// UpstreamAuthBearer sends a static bearer token.
	UpstreamAuthBearer UpstreamAuthType = "bearer"
	// UpstreamAuthBasic sends HTTP basic credentials.
	UpstreamAuthBasic UpstreamAuthType = "basic"
	// UpstreamAuthOAuth obtains tokens via the OAuth2 client credentials
	// grant.
	UpstreamAuthOAuth UpstreamAuthType = "oauth"
	// UpstreamAuthHeaders sends a fixed set of headers verbatim.
	UpstreamAuthHeaders UpstreamAuthType = "headers"
)

// UpstreamAuth describes how the gateway authenticates to an upstream server.
// Only the field group matching Type is consulted.
type UpstreamAuth struct {
	// Type selects the authentication scheme.
	Type UpstreamAuthType `json:"type"`

	// Token is the static token for the bearer scheme.
	Token string `json:"token,omitempty"`

	// Username and Password carry credentials for the basic scheme.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// TokenURL, ClientID, ClientSecret, and Scopes configure the oauth
	// client credentials scheme.
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// Headers are sent verbatim for the headers scheme.
	Headers map[string]string `json:"headers,omitempty"`
}

// IdentityPropagation overrides the gateway-wide identity forwarding settings
// for a single upstream.
type IdentityPropagation struct {
	// Enabled turns identity forwarding on for this upstream.
	Enabled bool `json:"enabled"`
	// Mode is headers, meta, or both. Empty inherits the global mode.
	Mode string `json:"mode,omitempty"`
}

// Gateway is a registered upstream MCP server whose capabilities the gateway
// federates into its own catalog.
type Gateway struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`
	// Name is the human-readable display name.
	Name string `json:"name"`
	// Description explains what the upstream provides.
	Description string `json:"description,omitempty"`
	// URL is the upstream endpoint, or the command line for stdio
	// transports.
	URL string `json:"url"`
	// Transport is sse, streamable_http, or stdio.
	Transport string `json:"transport"`
	// Auth configures how the gateway authenticates to the upstream.
	Auth *UpstreamAuth `json:"auth,omitempty"`
	// IdentityPropagation overrides the global identity forwarding
	// settings for this upstream.
	IdentityPropagation *IdentityPropagation `json:"identity_propagation,omitempty"`
	// PassthroughHeaders lists client header names forwarded to the
	// upstream in addition to the identity headers.
	PassthroughHeaders []string `json:"passthrough_headers,omitempty"`
	// PluginChains overrides the global plugin chains for capabilities
	// served by this upstream, keyed by hook name.
	PluginChains map[string][]string `json:"plugin_chains,omitempty"`
	// TeamID is the owning team.
	TeamID string `json:"team_id,omitempty"`
	// OwnerEmail identifies the registering user.
	OwnerEmail string `json:"owner_email,omitempty"`
	// Visibility controls who may see capabilities from this upstream.
	Visibility Visibility `json:"visibility"`
	// Enabled gates federation. Disabled gateways keep their records but
	// serve nothing.
	Enabled bool `json:"enabled"`
	// Reachable reports the outcome of the most recent probe or sync.
	Reachable bool `json:"reachable"`
	// LastSeen is the time of the last successful contact.
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RESTToolSpec configures a tool whose invocation is carried as a plain HTTP
// request. It also serves passthrough tools, which proxy arbitrary subpaths
// under BaseURL instead of a single templated endpoint.
type RESTToolSpec struct {
	// BaseURL is the upstream origin, e.g. https://api.example.com.
	BaseURL string `json:"base_url"`
	// PathTemplate is appended to BaseURL and may contain {param}
	// placeholders substituted from the call arguments.
	PathTemplate string `json:"path_template,omitempty"`
	// Method is the HTTP method. Empty defaults to POST.
	Method string `json:"method,omitempty"`
	// QueryMapping routes named arguments into the query string. Keys are
	// argument names, values are query parameter names.
	QueryMapping map[string]string `json:"query_mapping,omitempty"`
	// HeaderMapping routes named arguments into request headers.
	HeaderMapping map[string]string `json:"header_mapping,omitempty"`
	// Headers are sent verbatim on every request.
	Headers map[string]string `json:"headers,omitempty"`
	// Allowlist holds host patterns the resolved URL must match. Entries
	// are exact hosts or .suffix patterns.
	Allowlist []string `json:"allowlist,omitempty"`
	// AllowPrivateNetworks permits requests to loopback, RFC 1918, and
	// link-local ranges.
	AllowPrivateNetworks bool `json:"allow_private_networks,omitempty"`
	// ExposePassthrough additionally publishes the tool under the HTTP
	// passthrough route for subpath proxying.
	ExposePassthrough bool `json:"expose_passthrough,omitempty"`
	// RequireScope restricts passthrough calls to bearer credentials
	// granting the "namespace:tool_id" scope of the route.
	RequireScope bool `json:"require_scope,omitempty"`
}

// GraphQLToolSpec configures a tool backed by a GraphQL operation.
type GraphQLToolSpec struct {
	// URL is the GraphQL endpoint.
	URL string `json:"url"`
	// Operation is the full GraphQL document sent as the query field.
	Operation string `json:"operation"`
	// OperationName selects the operation when the document declares
	// several.
	OperationName string `json:"operation_name,omitempty"`
	// VariableMapping renames call arguments into GraphQL variables. Keys
	// are argument names, values are variable names. Unmapped arguments
	// pass through under their own name.
	VariableMapping map[string]string `json:"variable_mapping,omitempty"`
	// Headers are sent verbatim on every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// GRPCToolSpec configures a tool backed by a unary gRPC method.
type GRPCToolSpec struct {
	// Target is the host:port of the gRPC server.
	Target string `json:"target"`
	// FullMethod is the slash-form method name, e.g.
	// /package.Service/Method.
	FullMethod string `json:"full_method"`
	// DescriptorSet is a serialized FileDescriptorSet containing the
	// method's request and response message types.
	DescriptorSet []byte `json:"descriptor_set,omitempty"`
	// UseTLS dials with transport security.
	UseTLS bool `json:"use_tls,omitempty"`
}

// Tool is a federated or locally registered capability invoked via
// tools/call.
type Tool struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`
	// GatewayID links federated tools to their upstream. Empty for
	// locally registered tools.
	GatewayID string `json:"gateway_id,omitempty"`
	// Name is the name clients call. Unique per (team, gateway).
	Name string `json:"name"`
	// RemoteName is the tool's name on the upstream server when it
	// differs from Name.
	RemoteName string `json:"remote_name,omitempty"`
	// Description is surfaced to clients in tools/list.
	Description string `json:"description,omitempty"`
	// IntegrationType selects the dispatch path.
	IntegrationType IntegrationType `json:"integration_type"`
	// Schema is the JSON Schema for the tool's arguments.
	Schema json.RawMessage `json:"schema,omitempty"`
	// Annotations carries MCP tool annotations verbatim.
	Annotations json.RawMessage `json:"annotations,omitempty"`
	// Tags label the tool for mount rules and discovery.
	Tags []string `json:"tags,omitempty"`
	// REST configures rest and passthrough integrations.
	REST *RESTToolSpec `json:"rest,omitempty"`
	// GraphQL configures graphql integrations.
	GraphQL *GraphQLToolSpec `json:"graphql,omitempty"`
	// GRPC configures grpc integrations.
	GRPC *GRPCToolSpec `json:"grpc,omitempty"`
	// Timeout bounds a single invocation. Zero uses the configured
	// default.
	Timeout config.Duration `json:"timeout,omitempty"`
	// PluginChains overrides the global plugin chains for this tool,
	// keyed by hook name.
	PluginChains map[string][]string `json:"plugin_chains,omitempty"`
	// TeamID is the owning team.
	TeamID string `json:"team_id,omitempty"`
	// OwnerEmail identifies the registering user.
	OwnerEmail string `json:"owner_email,omitempty"`
	// Visibility controls who may see and invoke the tool.
	Visibility Visibility `json:"visibility"`
	// Enabled gates listing and invocation.
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resource is a federated or locally registered resource addressable by URI.
type Resource struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`
	// GatewayID links federated resources to their upstream. Empty for
	// locally registered resources.
	GatewayID string `json:"gateway_id,omitempty"`
	// URI is the resource address clients read. Unique per (team,
	// gateway).
	URI string `json:"uri"`
	// Name is the human-readable display name.
	Name string `json:"name,omitempty"`
	// Description is surfaced to clients in resources/list.
	Description string `json:"description,omitempty"`
	// MimeType is the content type reported to clients.
	MimeType string `json:"mime_type,omitempty"`
	// Content holds the body of locally registered resources. Federated
	// resources are fetched from their gateway on read.
	Content string `json:"content,omitempty"`
	// Tags label the resource for mount rules and discovery.
	Tags []string `json:"tags,omitempty"`
	// PluginChains overrides the global plugin chains for this resource,
	// keyed by hook name.
	PluginChains map[string][]string `json:"plugin_chains,omitempty"`
	// TeamID is the owning team.
	TeamID string `json:"team_id,omitempty"`
	// OwnerEmail identifies the registering user.
	OwnerEmail string `json:"owner_email,omitempty"`
	// Visibility controls who may see and read the resource.
	Visibility Visibility `json:"visibility"`
	// Enabled gates listing and reads.
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PromptArgument describes one argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a federated or locally registered prompt template.
type Prompt struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`
	// GatewayID links federated prompts to their upstream. Empty for
	// locally registered prompts.
	GatewayID string `json:"gateway_id,omitempty"`
	// Name is the name clients request. Unique per (team, gateway).
	Name string `json:"name"`
	// Description is surfaced to clients in prompts/list.
	Description string `json:"description,omitempty"`
	// Template is the prompt body with {{argument}} placeholders, used
	// when the prompt is locally registered.
	Template string `json:"template,omitempty"`
	// Arguments declares the template's arguments.
	Arguments []PromptArgument `json:"arguments,omitempty"`
	// Tags label the prompt for mount rules and discovery.
	Tags []string `json:"tags,omitempty"`
	// PluginChains overrides the global plugin chains for this prompt,
	// keyed by hook name.
	PluginChains map[string][]string `json:"plugin_chains,omitempty"`
	// TeamID is the owning team.
	TeamID string `json:"team_id,omitempty"`
	// OwnerEmail identifies the registering user.
	OwnerEmail string `json:"owner_email,omitempty"`
	// Visibility controls who may see and fetch the prompt.
	Visibility Visibility `json:"visibility"`
	// Enabled gates listing and fetches.
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerType distinguishes plain capability bundles from code execution
// servers.
type ServerType string

const (
	// ServerTypeStandard is a plain bundle of tools, resources, and
	// prompts.
	ServerTypeStandard ServerType = "standard"
	// ServerTypeCodeExecution exposes the code execution surface backed
	// by a sandbox.
	ServerTypeCodeExecution ServerType = "code_execution"
)

// MountRules selects which catalog entities a code execution server
// materializes into its sandbox. Includes are evaluated before excludes.
type MountRules struct {
	IncludeTags    []string `json:"include_tags,omitempty"`
	ExcludeTags    []string `json:"exclude_tags,omitempty"`
	IncludeServers []string `json:"include_servers,omitempty"`
	ExcludeServers []string `json:"exclude_servers,omitempty"`
	IncludeTools   []string `json:"include_tools,omitempty"`
	ExcludeTools   []string `json:"exclude_tools,omitempty"`
}

// VirtualServer is a curated bundle of tools, resources, and prompts
// published as one logical MCP server.
type VirtualServer struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`
	// Name is the server name. Unique per team.
	Name string `json:"name"`
	// Description explains what the bundle provides.
	Description string `json:"description,omitempty"`
	// ServerType is standard or code_execution.
	ServerType ServerType `json:"server_type"`
	// ToolIDs, ResourceIDs, and PromptIDs associate catalog entities
	// with the server.
	ToolIDs     []string `json:"tool_ids,omitempty"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
	PromptIDs   []string `json:"prompt_ids,omitempty"`
	// SandboxPolicy is forwarded opaquely to the sandbox runtime.
	SandboxPolicy json.RawMessage `json:"sandbox_policy,omitempty"`
	// MountRules bounds which entities a code execution sandbox mounts.
	MountRules *MountRules `json:"mount_rules,omitempty"`
	// Tokenization configures detokenization of sensitive values in
	// code execution results.
	Tokenization json.RawMessage `json:"tokenization,omitempty"`
	// SkillsScope is team:<id> or user:<email> and bounds which skills
	// the server may mount.
	SkillsScope string `json:"skills_scope,omitempty"`
	// SkillsRequireApproval blocks unapproved skills from mounting.
	SkillsRequireApproval bool `json:"skills_require_approval,omitempty"`
	// ContentHash fingerprints the materialized catalog so unchanged
	// sandboxes can be reused.
	ContentHash string `json:"content_hash,omitempty"`
	// TeamID is the owning team.
	TeamID string `json:"team_id,omitempty"`
	// OwnerEmail identifies the registering user.
	OwnerEmail string `json:"owner_email,omitempty"`
	// Visibility controls who may see and connect to the server.
	Visibility Visibility `json:"visibility"`
	// Enabled gates connections.
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditRecord captures one auditable gateway operation.
type AuditRecord struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`
	// Time is when the operation happened.
	Time time.Time `json:"time"`
	// UserID and Email identify the acting subject.
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	// AuthMethod records how the subject authenticated.
	AuthMethod string `json:"auth_method,omitempty"`
	// Action names the operation, e.g. tool.invoke or gateway.create.
	Action string `json:"action"`
	// EntityType and EntityID locate the affected entity.
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	// Outcome is success, denied, or error.
	Outcome string `json:"outcome"`
	// Detail carries action-specific fields. Sensitive headers are
	// redacted before the record is written.
	Detail json.RawMessage `json:"detail,omitempty"`
}
