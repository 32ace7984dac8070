package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tether/internal/async"
	"tether/internal/logging"
)

// MCP protocol version
const MCPProtocolVersion = "2024-11-05"

// callTimeout bounds a single request/response round trip
const callTimeout = 30 * time.Second

// Client implements an MCP client over stdio transport
type Client struct {
	serverName   string
	process      *ProcessManager
	idGen        *RequestIDGenerator
	pendingCalls map[any]chan *Response
	mu           sync.RWMutex
	logger       logging.Logger
	initialized  bool
	serverInfo   *ServerInfo
}

// ClientInfo is the client identity sent during initialize
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the server identity received during initialize
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize handshake
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ToolSchema describes a tool exposed by an MCP server
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// NewClient creates a new MCP client
func NewClient(serverName string, process *ProcessManager) *Client {
	return &Client{
		serverName:   serverName,
		process:      process,
		idGen:        &RequestIDGenerator{},
		pendingCalls: make(map[any]chan *Response),
		logger:       logging.NewComponentLogger(fmt.Sprintf("MCPClient[%s]", serverName)),
	}
}

// Start starts the server process and performs the initialize handshake
func (c *Client) Start(ctx context.Context) error {
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server process: %w", err)
	}

	async.Go(c.logger, "mcp.client.readLoop", func() {
		c.readLoop()
	})

	if err := c.initialize(ctx); err != nil {
		_ = c.process.Stop(5 * time.Second)
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	c.logger.Info("MCP client initialized")
	return nil
}

// Stop stops the client and server process
func (c *Client) Stop() error {
	return c.process.Stop(5 * time.Second)
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": MCPProtocolVersion,
		"clientInfo": ClientInfo{
			Name:    "tether",
			Version: "0.1.0",
		},
	}

	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize call failed: %w", err)
	}

	var initResult InitializeResult
	if err := unmarshalResult(result, &initResult); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	if initResult.ProtocolVersion != MCPProtocolVersion {
		c.logger.Warn("Protocol version mismatch: client=%s, server=%s",
			MCPProtocolVersion, initResult.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &initResult.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("Initialized with server: %s v%s", initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("Failed to send initialized notification: %v", err)
	}

	return nil
}

// ListTools retrieves all available tools from the server
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list call failed: %w", err)
	}

	var response struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := unmarshalResult(result, &response); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}

	c.logger.Info("Retrieved %d tools from server", len(response.Tools))
	return response.Tools, nil
}

// call sends a JSON-RPC request and waits for the matching response
func (c *Client) call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := c.idGen.Next()
	req := NewRequest(id, method, params)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("Sending request: method=%s, id=%v", method, id)
	if err := c.process.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("request timeout after %v", callTimeout)
	}
}

// notify sends a JSON-RPC notification (no response expected)
func (c *Client) notify(method string, params map[string]any) error {
	notif := NewNotification(method, params)

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	data = append(data, '\n')

	return c.process.Write(data)
}

// readLoop reads newline-delimited responses and routes them to callers
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.process.GetStdout())

	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		resp, err := UnmarshalResponse(line)
		if err != nil {
			c.logger.Error("Failed to unmarshal response: %v", err)
			continue
		}

		c.mu.RLock()
		ch, ok := c.pendingCalls[resp.ID]
		c.mu.RUnlock()

		if ok {
			select {
			case ch <- resp:
			default:
				c.logger.Warn("Response channel full, dropping response: id=%v", resp.ID)
			}
		} else {
			c.logger.Warn("No pending call found for response: id=%v", resp.ID)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("Read loop error: %v", err)
	}
}

// IsInitialized reports whether the initialize handshake completed
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo returns the identity the server reported during initialize, or
// nil before the handshake completed.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func unmarshalResult(result any, target any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
