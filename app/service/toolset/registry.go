// Package toolset owns the id -> tool mapping consulted by the decision
// engine. The Wolfram client is always registered; additional tools come
// from configured MCP servers.
package toolset

import (
	"arbor/app/client/wolfram"
	"arbor/app/config"
	"context"
	"log/slog"
	"sync"

	"github.com/samber/do"
	"github.com/tmc/langchaingo/tools"
)

var _ do.Shutdownable = (*Registry)(nil)

type Registry struct {
	mu      sync.RWMutex
	tools   map[string]tools.Tool
	clients []*mcpClientWrapper
}

func New(di *do.Injector) (*Registry, error) {
	ctx := do.MustInvoke[context.Context](di)
	cfg := do.MustInvoke[*config.Config](di)

	r := NewRegistry()
	r.Register(do.MustInvoke[*wolfram.Client](di))

	if err := r.initMCPClients(ctx, cfg.MCP.Servers); err != nil {
		return nil, err
	}

	return r, nil
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]tools.Tool),
	}
}

// Register adds a tool under its own name. Later registrations win, which
// lets an MCP server shadow a built-in.
func (r *Registry) Register(tool tools.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[tool.Name()] = tool
}

func (r *Registry) Lookup(id string) (tools.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[id]
	return tool, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}

	return names
}

func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, wrapper := range r.clients {
		if err := wrapper.client.Close(); err != nil {
			slog.Warn("Failed to close MCP client", "server", wrapper.name, "error", err)
		}
	}
	r.clients = nil

	return nil
}
