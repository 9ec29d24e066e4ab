package toolset

import (
	"arbor/app/config"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tmc/langchaingo/tools"
	"golang.org/x/sync/errgroup"
)

const mcpInitTimeout = time.Minute

type mcpClientWrapper struct {
	name   string
	client client.MCPClient
}

// initMCPClients starts every configured stdio server, lists its tools and
// registers each one as "<server>_<tool>". Servers initialize in parallel;
// any failure aborts startup.
func (r *Registry) initMCPClients(ctx context.Context, servers []config.MCPServer) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, server := range servers {
		g.Go(func() error {
			mcpClient, err := client.NewStdioMCPClient(server.Command, nil, server.Args...)
			if err != nil {
				return fmt.Errorf("failed to create MCP client for %s: %w", server.Name, err)
			}

			initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
			defer cancel()

			initRequest := mcp.InitializeRequest{}
			initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
			initRequest.Params.ClientInfo = mcp.Implementation{
				Name:    "arbor",
				Version: "1.0.0",
			}

			if _, err = mcpClient.Initialize(initCtx, initRequest); err != nil {
				return fmt.Errorf("failed to initialize MCP client %s: %w", server.Name, err)
			}

			toolsResponse, err := mcpClient.ListTools(initCtx, mcp.ListToolsRequest{})
			if err != nil {
				return fmt.Errorf("failed to list tools from %s: %w", server.Name, err)
			}

			for _, mcpTool := range toolsResponse.Tools {
				r.Register(&mcpToolAdapter{
					client: mcpClient,
					tool:   mcpTool,
					name:   fmt.Sprintf("%s_%s", server.Name, mcpTool.Name),
				})
			}

			r.mu.Lock()
			r.clients = append(r.clients, &mcpClientWrapper{
				name:   server.Name,
				client: mcpClient,
			})
			r.mu.Unlock()

			slog.Info("MCP server attached",
				"server", server.Name,
				"tools", len(toolsResponse.Tools))

			return nil
		})
	}

	return g.Wait()
}

var _ tools.Tool = (*mcpToolAdapter)(nil)

// mcpToolAdapter exposes one MCP tool behind the tools.Tool contract.
type mcpToolAdapter struct {
	client client.MCPClient
	tool   mcp.Tool
	name   string
}

func (m *mcpToolAdapter) Name() string {
	return m.name
}

func (m *mcpToolAdapter) Description() string {
	return m.tool.Description
}

func (m *mcpToolAdapter) Call(ctx context.Context, input string) (string, error) {
	callRequest := mcp.CallToolRequest{
		Request: mcp.Request{
			Method: "tools/call",
		},
	}
	callRequest.Params.Name = m.tool.Name
	callRequest.Params.Arguments = m.arguments(input)

	response, err := m.client.CallTool(ctx, callRequest)
	if err != nil {
		return "", fmt.Errorf("MCP tool call failed: %w", err)
	}

	var result strings.Builder
	for _, content := range response.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			result.WriteString(textContent.Text)
			result.WriteString("\n")
		}
	}

	return strings.TrimSpace(result.String()), nil
}

// arguments shapes free-form input into the tool's expected argument map:
// JSON object input is passed through, anything else lands on the schema's
// first property (or a generic "input" key).
func (m *mcpToolAdapter) arguments(input string) map[string]any {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
			return args
		}
	}

	for propName := range m.tool.InputSchema.Properties {
		return map[string]any{propName: input}
	}

	return map[string]any{"input": input}
}
