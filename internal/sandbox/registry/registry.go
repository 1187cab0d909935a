// Package registry holds the sandbox's in-memory view of every registered
// server: its tools, shared helper code, injected secrets, allowed runtime
// modules, and allowed network hosts.
//
// The management plane owns the durable state; the sandbox only ever sees
// full replacements. RegisterServer swaps the whole entry atomically, which
// is what makes re-registration after an approval idempotent.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// ToolType distinguishes executable tool code from passthrough proxies.
type ToolType string

const (
	ToolTypePython      ToolType = "python_code"
	ToolTypePassthrough ToolType = "mcp_passthrough"
)

// Egress policy modes. Isolated grants no network access at all;
// allowlist admits only the approved hosts.
const (
	NetworkModeIsolated  = "isolated"
	NetworkModeAllowlist = "allowlist"
)

// Tool is one callable tool as the sandbox needs it.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        ToolType       `json:"tool_type"`
	Code        string         `json:"python_code,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
	TimeoutMS   int            `json:"timeout_ms"`
	// External fields are set for passthrough tools.
	ExternalURL      string            `json:"external_url,omitempty"`
	ExternalToolName string            `json:"external_tool_name,omitempty"`
	ExternalHeaders  map[string]string `json:"-"`
}

// Server is the full registration payload for one server namespace.
type Server struct {
	Name           string            `json:"name"`
	HelperCode     string            `json:"helper_code,omitempty"`
	Secrets        map[string]string `json:"-"`
	AllowedModules []string          `json:"allowed_modules"`
	AllowedHosts   []string          `json:"allowed_hosts"`
	NetworkMode    string            `json:"network_mode"`
	DefaultTimeout time.Duration     `json:"-"`
	Tools          []Tool            `json:"tools"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// Registry is the concurrent map server name → *Server.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{servers: make(map[string]*Server)}
}

// Register replaces the entire entry for srv.Name. Partial updates do not
// exist: the management plane always sends the recomputed full set.
func (r *Registry) Register(srv *Server) error {
	if srv == nil || srv.Name == "" {
		return fmt.Errorf("registry: server name is required")
	}
	srv.RegisteredAt = time.Now()
	r.mu.Lock()
	r.servers[srv.Name] = srv
	r.mu.Unlock()
	return nil
}

// Unregister removes a server and all its tools. Removing an unknown server
// is not an error; unregistration is idempotent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.servers, name)
	r.mu.Unlock()
}

// UpdateSecrets replaces only the secrets map of an existing server.
func (r *Registry) UpdateSecrets(name string, secrets map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[name]
	if !ok {
		return fmt.Errorf("registry: server %q is not registered", name)
	}
	updated := *srv
	updated.Secrets = secrets
	r.servers[name] = &updated
	return nil
}

// Server returns the entry for name, or false.
func (r *Registry) Server(name string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[name]
	return srv, ok
}

// Lookup resolves a namespaced tool name "<server>__<tool>" to its server
// and tool definition.
func (r *Registry) Lookup(qualified string) (*Server, *Tool, error) {
	serverName, toolName, ok := SplitToolName(qualified)
	if !ok {
		return nil, nil, fmt.Errorf("registry: %q is not a namespaced tool name", qualified)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, found := r.servers[serverName]
	if !found {
		return nil, nil, fmt.Errorf("registry: server %q is not registered", serverName)
	}
	for i := range srv.Tools {
		if srv.Tools[i].Name == toolName {
			return srv, &srv.Tools[i], nil
		}
	}
	return nil, nil, fmt.Errorf("registry: tool %q not found on server %q", toolName, serverName)
}

// ListTools returns every registered tool under its qualified name.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, srv := range r.servers {
		for _, t := range srv.Tools {
			qualified := t
			qualified.Name = JoinToolName(srv.Name, t.Name)
			out = append(out, qualified)
		}
	}
	return out
}

// ServerNames lists registered servers, for the health endpoint.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	return names
}

// JoinToolName builds the gateway-visible qualified tool name.
func JoinToolName(server, tool string) string {
	return server + "__" + tool
}

// SplitToolName splits a qualified name at the first "__".
func SplitToolName(qualified string) (server, tool string, ok bool) {
	for i := 0; i+1 < len(qualified); i++ {
		if qualified[i] == '_' && qualified[i+1] == '_' {
			if i == 0 || i+2 >= len(qualified) {
				return "", "", false
			}
			return qualified[:i], qualified[i+2:], true
		}
	}
	return "", "", false
}
