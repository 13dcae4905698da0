// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// callGRPCTool dispatches a tool backed by a unary gRPC method. The stored
// descriptor set drives dynamic marshaling: arguments encode into the request
// message via protojson and the response renders back to JSON.
func (s *Service) callGRPCTool(
	ctx context.Context, tool *catalog.Tool, args map[string]any,
) (*mcp.CallToolResult, error) {
	spec := tool.GRPC
	if spec == nil {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("tool %s has no gRPC spec", tool.Name), nil)
	}

	method, err := resolveMethod(spec)
	if err != nil {
		return nil, err
	}

	reqMsg := dynamicpb.NewMessage(method.Input())
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, gwerrors.NewInvalidArgsError("arguments are not serializable", err)
	}
	if err := protojson.Unmarshal(argsJSON, reqMsg); err != nil {
		return nil, gwerrors.NewInvalidArgsError(
			fmt.Sprintf("arguments do not match message %s", method.Input().FullName()), err)
	}

	creds := insecure.NewCredentials()
	if spec.UseTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(spec.Target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("tool %s target %s unreachable", tool.Name, spec.Target), err)
	}
	defer conn.Close()

	callCtx := ctx
	if timeout := s.restTimeout(tool); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	respMsg := dynamicpb.NewMessage(method.Output())
	if err := conn.Invoke(callCtx, spec.FullMethod, reqMsg, respMsg); err != nil {
		return nil, mapGRPCError(tool.Name, err)
	}

	rendered, err := protojson.Marshal(respMsg)
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to render gRPC response", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(rendered)}},
	}, nil
}

// resolveMethod finds the unary method the spec names inside its stored
// FileDescriptorSet.
func resolveMethod(spec *catalog.GRPCToolSpec) (protoreflect.MethodDescriptor, error) {
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(spec.DescriptorSet, &fds); err != nil {
		return nil, gwerrors.NewInternalError("stored descriptor set is invalid", err)
	}
	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, gwerrors.NewInternalError("stored descriptor set is inconsistent", err)
	}

	serviceName, methodName, ok := splitFullMethod(spec.FullMethod)
	if !ok {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("method name %q is malformed", spec.FullMethod), nil)
	}

	desc, err := files.FindDescriptorByName(protoreflect.FullName(serviceName))
	if err != nil {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("service %s not present in descriptor set", serviceName), err)
	}
	service, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("%s is not a service", serviceName), nil)
	}
	method := service.Methods().ByName(protoreflect.Name(methodName))
	if method == nil {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("method %s not present on service %s", methodName, serviceName), nil)
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("method %s is streaming; only unary methods are supported", spec.FullMethod), nil)
	}
	return method, nil
}

// splitFullMethod parses /package.Service/Method.
func splitFullMethod(full string) (service, method string, ok bool) {
	full = strings.TrimPrefix(full, "/")
	idx := strings.LastIndex(full, "/")
	if idx <= 0 || idx == len(full)-1 {
		return "", "", false
	}
	return full[:idx], full[idx+1:], true
}

// mapGRPCError translates gRPC status codes into the error taxonomy.
func mapGRPCError(name string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s call failed", name), 0, err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("tool %s upstream unavailable", name), err)
	case codes.DeadlineExceeded:
		return gwerrors.NewUpstreamTimeoutError(
			fmt.Sprintf("tool %s upstream timed out", name), err)
	case codes.Canceled:
		return gwerrors.NewCancelledError(
			fmt.Sprintf("tool %s call cancelled", name), err)
	case codes.InvalidArgument:
		return gwerrors.NewInvalidArgsError(
			fmt.Sprintf("tool %s rejected the arguments: %s", name, st.Message()), err)
	case codes.NotFound:
		return gwerrors.NewNotFoundError(
			fmt.Sprintf("tool %s target entity not found", name), err)
	default:
		return gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s call failed: %s", name, st.Message()), 0, err)
	}
}
