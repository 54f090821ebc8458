package registry

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
)

// CascadeRunner spawns a sub-cascade and returns its final output, used as
// the callable for skills discovered by DiscoverCascades.
type CascadeRunner func(ctx context.Context, path string, inputs map[string]any) (any, error)

// DiscoverCascades scans root for cascade YAML files declaring a
// `sql_function:` block, registering each as a skill named after it.
// Only `sql_function:` is recognised; a `tackle:` block does not make a
// file a skill.
func (r *Registry) DiscoverCascades(root string, loader func(path string) (*cascade.Definition, error), run CascadeRunner) error {
	files, err := findYAMLFiles(root)
	if err != nil {
		return fmt.Errorf("registry: discover_cascades: %w", err)
	}
	for _, f := range files {
		def, err := loader(f)
		if err != nil {
			continue // not every yaml under root need be a valid cascade
		}
		if def.SQLFunction == nil {
			continue
		}
		path := f
		skill := &Skill{
			Name:   def.SQLFunction.Name,
			Origin: OriginCascade,
			Callable: func(ctx context.Context, args map[string]any) (any, error) {
				return run(ctx, path, args)
			},
		}
		if err := r.Register(skill, true); err != nil {
			return err
		}
	}
	return nil
}

func findYAMLFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// MCPServerConfig describes one child process to launch and introspect.
type MCPServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// MCPStatus reports a managed MCP server's live health, used by the "mcp
// status"/"mcp list" CLI commands.
type MCPStatus struct {
	Name      string
	Command   string
	ToolCount int
	Uptime    time.Duration
	LastError string
}

// mcpEntry tracks one started child process and its client.
type mcpEntry struct {
	cfg       MCPServerConfig
	cli       *client.Client
	startedAt time.Time
	lastErr   string
	toolCount int
}

// MCPSupervisor owns the lifecycle of MCP child processes discovered via
// DiscoverMCP: add/list/status over a map of named adapters guarded by a
// mutex.
type MCPSupervisor struct {
	mu      sync.RWMutex
	entries map[string]*mcpEntry
}

// NewMCPSupervisor constructs an empty supervisor.
func NewMCPSupervisor() *MCPSupervisor {
	return &MCPSupervisor{entries: make(map[string]*mcpEntry)}
}

// DiscoverMCP starts each configured JSON-RPC child process, introspects
// tools/list, and registers each remote tool as a skill whose callable
// proxies a JSON-RPC request.
func (r *Registry) DiscoverMCP(ctx context.Context, sup *MCPSupervisor, configs []MCPServerConfig) error {
	for _, cfg := range configs {
		if err := sup.start(ctx, cfg); err != nil {
			return fmt.Errorf("registry: discover_mcp: start %q: %w", cfg.Name, err)
		}
		entry := sup.entries[cfg.Name]
		tools, err := entry.cli.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			sup.mu.Lock()
			entry.lastErr = err.Error()
			sup.mu.Unlock()
			return fmt.Errorf("registry: discover_mcp: list tools %q: %w", cfg.Name, err)
		}
		for _, t := range tools.Tools {
			name := cfg.Name + "." + t.Name
			toolName := t.Name
			serverName := cfg.Name
			skill := &Skill{
				Name:   name,
				Origin: OriginMCP,
				Callable: func(ctx context.Context, args map[string]any) (any, error) {
					return sup.call(ctx, serverName, toolName, args)
				},
			}
			if err := r.Register(skill, false); err != nil {
				return err
			}
		}
		sup.mu.Lock()
		entry.toolCount = len(tools.Tools)
		sup.mu.Unlock()
	}
	return nil
}

func (s *MCPSupervisor) start(ctx context.Context, cfg MCPServerConfig) error {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	t := transport.NewStdio(cfg.Command, env, cfg.Args...)
	c := client.NewClient(t)
	if _, err := c.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[cfg.Name] = &mcpEntry{cfg: cfg, cli: c, startedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *MCPSupervisor) call(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	s.mu.RLock()
	entry, ok := s.entries[server]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp server %q not running", server)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := entry.cli.CallTool(ctx, req)
	if err != nil {
		s.mu.Lock()
		entry.lastErr = err.Error()
		s.mu.Unlock()
		return nil, err
	}
	return res, nil
}

// List reports live status for every managed MCP server.
func (s *MCPSupervisor) List() []MCPStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MCPStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, MCPStatus{
			Name:      e.cfg.Name,
			Command:   e.cfg.Command,
			ToolCount: e.toolCount,
			Uptime:    time.Since(e.startedAt),
			LastError: e.lastErr,
		})
	}
	return out
}

// Stop terminates a managed MCP server's child process.
func (s *MCPSupervisor) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("mcp server %q not running", name)
	}
	delete(s.entries, name)
	return entry.cli.Close()
}

