package mcp

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tether/internal/logging"
	"tether/internal/storage"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 10 * time.Minute
)

// toolSource is the slice of Client the registrar needs
type toolSource interface {
	Start(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolSchema, error)
	ServerInfo() *ServerInfo
	Stop() error
}

type toolCacheEntry struct {
	tools    []ToolSchema
	cachedAt time.Time
}

// Registrar discovers the tool surface of an agent's configured MCP
// servers. Discovery is best effort: a server that fails to start or
// answer is logged and skipped so session startup is never blocked.
type Registrar struct {
	cache     *lru.Cache[string, toolCacheEntry]
	ttl       time.Duration
	logger    logging.Logger
	mu        sync.Mutex
	newSource func(cfg storage.MCPServerConfig) toolSource
}

// NewRegistrar creates a registrar with an expiring tool cache
func NewRegistrar(logger logging.Logger) *Registrar {
	cache, err := lru.New[string, toolCacheEntry](defaultCacheSize)
	if err != nil {
		// Only reachable with a non-positive size
		panic(err)
	}

	return &Registrar{
		cache:  cache,
		ttl:    defaultCacheTTL,
		logger: logging.OrNop(logger),
		newSource: func(cfg storage.MCPServerConfig) toolSource {
			pm := NewProcessManager(ProcessConfig{
				Command: cfg.Command,
				Args:    cfg.Args,
				Env:     cfg.Env,
			})
			return NewClient(cfg.Name, pm)
		},
	}
}

// RegisterForAgent returns the union of tools exposed by the agent's
// MCP servers, consulting the cache before spawning any process.
func (r *Registrar) RegisterForAgent(ctx context.Context, agent *storage.Agent) []ToolSchema {
	if agent == nil || len(agent.MCPServers) == 0 {
		return nil
	}

	var all []ToolSchema
	for _, cfg := range agent.MCPServers {
		tools, ok := r.cachedTools(cfg.Name)
		if !ok {
			var err error
			tools, err = r.discover(ctx, cfg)
			if err != nil {
				r.logger.Warn("Skipping MCP server %s: %v", cfg.Name, err)
				continue
			}
			r.storeTools(cfg.Name, tools)
		}
		all = append(all, tools...)
	}

	return all
}

// Invalidate drops the cached tool list for a server
func (r *Registrar) Invalidate(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(serverName)
}

func (r *Registrar) cachedTools(serverName string) ([]ToolSchema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache.Get(serverName)
	if !ok {
		return nil, false
	}
	if time.Since(entry.cachedAt) > r.ttl {
		r.cache.Remove(serverName)
		return nil, false
	}
	return entry.tools, true
}

func (r *Registrar) storeTools(serverName string, tools []ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(serverName, toolCacheEntry{tools: tools, cachedAt: time.Now()})
}

func (r *Registrar) discover(ctx context.Context, cfg storage.MCPServerConfig) ([]ToolSchema, error) {
	source := r.newSource(cfg)

	if err := source.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := source.Stop(); err != nil {
			r.logger.Warn("Failed to stop MCP server %s: %v", cfg.Name, err)
		}
	}()

	tools, err := source.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	if info := source.ServerInfo(); info != nil {
		r.logger.Info("Discovered %d tools from %s v%s", len(tools), info.Name, info.Version)
	}
	return tools, nil
}
