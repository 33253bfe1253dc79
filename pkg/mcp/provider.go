// Package mcp connects the tool registry to remote MCP tool providers over
// streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/apperrors"
	"github.com/easel-ai/easel-engine/pkg/jsonutil"
	"github.com/easel-ai/easel-engine/pkg/tools"
)

// Provider exposes one remote MCP server as a tool provider.
type Provider struct {
	name   string
	client *client.Client
	logger *zap.Logger
}

// NewProvider connects to the MCP server at baseURL and performs the
// protocol handshake.
func NewProvider(ctx context.Context, name, baseURL, version string, logger *zap.Logger) (*Provider, error) {
	c, err := client.NewStreamableHttpClient(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", name, err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client for %s: %w", name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "easel-engine",
		Version: version,
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize MCP session with %s: %w", name, err)
	}

	return &Provider{
		name:   name,
		client: c,
		logger: logger.Named("mcp-provider").With(zap.String("provider", name)),
	}, nil
}

var _ tools.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	return p.name
}

// ListTools fetches the server's current tool descriptors.
func (p *Provider) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	result, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", p.name, err)
	}

	descriptors := make([]tools.Descriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			p.logger.Warn("Skipping tool with unencodable input schema",
				zap.String("tool", t.Name), zap.Error(err))
			continue
		}
		descriptors = append(descriptors, tools.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Provider:    p.name,
			InputSchema: schema,
		})
	}
	return descriptors, nil
}

// Lookup resolves a remote tool for execution. Existence is not verified
// here; an unknown name fails at call time.
func (p *Provider) Lookup(name string) (tools.Tool, bool) {
	return &remoteTool{provider: p, name: name}, true
}

// Close terminates the MCP session.
func (p *Provider) Close() error {
	return p.client.Close()
}

// remoteTool adapts a single-shot MCP tool call onto the event-sequence
// contract: no progress events, one terminal event.
type remoteTool struct {
	provider *Provider
	name     string
}

var _ tools.Tool = (*remoteTool)(nil)

func (t *remoteTool) Run(ctx context.Context, args map[string]any) (<-chan tools.Event, error) {
	events := make(chan tools.Event, 1)
	go func() {
		defer close(events)

		request := mcp.CallToolRequest{}
		request.Params.Name = t.name
		request.Params.Arguments = args

		result, err := t.provider.client.CallTool(ctx, request)
		if err != nil {
			events <- tools.Event{
				Terminal: true,
				Err:      apperrors.NewExecutionError("call remote tool", err),
			}
			return
		}

		content := flattenContent(result.Content)
		if result.IsError {
			events <- tools.Event{
				Terminal: true,
				Err:      apperrors.NewExecutionError("call remote tool", fmt.Errorf("%s", content)),
			}
			return
		}

		events <- tools.Event{
			Terminal: true,
			Content:  content,
			Metadata: resultMetadata(t.provider.name, content),
			Persist:  true,
		}
	}()
	return events, nil
}

// resultMetadata lifts a "metadata" object out of a JSON tool result, if one
// is present, tolerating scalar type drift, and tags the originating
// provider.
func resultMetadata(provider, content string) map[string]string {
	meta := map[string]string{"provider": provider}
	var payload struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err == nil {
		for k, v := range jsonutil.FlexibleStringMap(payload.Metadata) {
			meta[k] = v
		}
	}
	return meta
}

// flattenContent joins the text parts of an MCP result.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
