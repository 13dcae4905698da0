// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/pool"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// SyncResult reports one discovery pass against an upstream.
type SyncResult struct {
	GatewayID string `json:"gateway_id"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
}

// SyncGateway discovers the upstream's capabilities and upserts them into the
// catalog under the gateway's team and visibility. The reachability flag is
// updated either way.
func (s *Service) SyncGateway(ctx context.Context, gatewayID string) (*SyncResult, error) {
	gw, err := s.store.Gateways().Get(ctx, gatewayID)
	if err != nil {
		return nil, mapStorageErr(err, fmt.Sprintf("gateway %s not found", gatewayID))
	}
	if !gw.Enabled {
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("gateway %s is disabled", gw.Name), nil)
	}

	syncCtx := ctx
	if timeout := time.Duration(s.fedCfg.DiscoveryTimeout); timeout > 0 {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	handle, err := s.pool.Acquire(syncCtx, gw, nil, nil)
	if err != nil {
		s.markReachable(ctx, gatewayID, false)
		return nil, err
	}

	result, err := s.discover(syncCtx, gw, handle.Session())
	if err != nil {
		handle.Discard()
		s.markReachable(ctx, gatewayID, false)
		return nil, err
	}
	handle.Release()
	s.markReachable(ctx, gatewayID, true)

	logger.Infow("synced upstream capabilities", "gateway", gw.Name,
		"tools", result.Tools, "resources", result.Resources, "prompts", result.Prompts)
	return result, nil
}

// discover walks the upstream's paginated listings and upserts every entry.
// Resource and prompt listings run only when the upstream advertised the
// capability at initialize.
func (s *Service) discover(ctx context.Context, gw *catalog.Gateway, sess pool.Session) (*SyncResult, error) {
	result := &SyncResult{GatewayID: gw.ID}
	caps := sess.ServerCapabilities()

	for cursor := ""; ; {
		page, err := sess.ListTools(ctx, cursor)
		if err != nil {
			return nil, wrapCallError(gw, err)
		}
		for i := range page.Tools {
			if err := s.upsertTool(ctx, gw, &page.Tools[i]); err != nil {
				return nil, err
			}
			result.Tools++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = string(page.NextCursor)
	}

	if caps.Resources != nil {
		for cursor := ""; ; {
			page, err := sess.ListResources(ctx, cursor)
			if err != nil {
				return nil, wrapCallError(gw, err)
			}
			for i := range page.Resources {
				if err := s.upsertResource(ctx, gw, &page.Resources[i]); err != nil {
					return nil, err
				}
				result.Resources++
			}
			if page.NextCursor == "" {
				break
			}
			cursor = string(page.NextCursor)
		}
	}

	if caps.Prompts != nil {
		for cursor := ""; ; {
			page, err := sess.ListPrompts(ctx, cursor)
			if err != nil {
				return nil, wrapCallError(gw, err)
			}
			for i := range page.Prompts {
				if err := s.upsertPrompt(ctx, gw, &page.Prompts[i]); err != nil {
					return nil, err
				}
				result.Prompts++
			}
			if page.NextCursor == "" {
				break
			}
			cursor = string(page.NextCursor)
		}
	}

	return result, nil
}

func (s *Service) upsertTool(ctx context.Context, gw *catalog.Gateway, remote *mcp.Tool) error {
	schema := remote.RawInputSchema
	if len(schema) == 0 {
		if encoded, err := json.Marshal(remote.InputSchema); err == nil {
			schema = encoded
		}
	}
	tool := &catalog.Tool{
		GatewayID:       gw.ID,
		Name:            remote.Name,
		RemoteName:      remote.Name,
		Description:     remote.Description,
		IntegrationType: catalog.IntegrationMCP,
		Schema:          schema,
		TeamID:          gw.TeamID,
		OwnerEmail:      gw.OwnerEmail,
		Visibility:      gw.Visibility,
		Enabled:         true,
	}
	if err := s.store.Tools().Upsert(ctx, tool); err != nil {
		return gwerrors.NewInternalError(fmt.Sprintf("failed to store tool %s", remote.Name), err)
	}
	return nil
}

func (s *Service) upsertResource(ctx context.Context, gw *catalog.Gateway, remote *mcp.Resource) error {
	res := &catalog.Resource{
		GatewayID:   gw.ID,
		URI:         remote.URI,
		Name:        remote.Name,
		Description: remote.Description,
		MimeType:    remote.MIMEType,
		TeamID:      gw.TeamID,
		OwnerEmail:  gw.OwnerEmail,
		Visibility:  gw.Visibility,
		Enabled:     true,
	}
	if err := s.store.Resources().Upsert(ctx, res); err != nil {
		return gwerrors.NewInternalError(fmt.Sprintf("failed to store resource %s", remote.URI), err)
	}
	return nil
}

func (s *Service) upsertPrompt(ctx context.Context, gw *catalog.Gateway, remote *mcp.Prompt) error {
	prompt := &catalog.Prompt{
		GatewayID:   gw.ID,
		Name:        remote.Name,
		Description: remote.Description,
		TeamID:      gw.TeamID,
		OwnerEmail:  gw.OwnerEmail,
		Visibility:  gw.Visibility,
		Enabled:     true,
	}
	for _, arg := range remote.Arguments {
		prompt.Arguments = append(prompt.Arguments, catalog.PromptArgument{
			Name:        arg.Name,
			Description: arg.Description,
			Required:    arg.Required,
		})
	}
	if err := s.store.Prompts().Upsert(ctx, prompt); err != nil {
		return gwerrors.NewInternalError(fmt.Sprintf("failed to store prompt %s", remote.Name), err)
	}
	return nil
}

// markReachable best-effort updates the probe outcome.
func (s *Service) markReachable(ctx context.Context, gatewayID string, reachable bool) {
	if err := s.store.Gateways().SetReachable(ctx, gatewayID, reachable); err != nil && !storage.IsNotFound(err) {
		logger.Warnw("failed to update gateway reachability",
			"gateway_id", gatewayID, "error", err)
	}
}
