// Package mcpclient wraps live connections to MCP tool servers. One client
// exists per transport kind: stdio (local subprocess), SSE, and streamable
// HTTP. All three speak the protocol through mark3labs/mcp-go and expose
// the same narrow interface to the connection pool.
package mcpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision we negotiate.
const protocolVersion = "2024-11-05"

// clientName identifies this process in the MCP handshake.
const clientName = "toolplane"

// MCPClient is one live connection to a tool server.
type MCPClient interface {
	// Initialize establishes the channel and performs the protocol
	// handshake. Calling it on a connected client is a no-op.
	Initialize(ctx context.Context) error

	// ListTools returns the server's tool catalog.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool executes a tool. Protocol-level tool failures come back
	// inside the result (IsError), not as a Go error.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// ReadResource retrieves a resource by URI.
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// Close releases the channel and, for stdio, terminates the subprocess.
	Close() error
}

// baseClient holds the connection state shared by all transports.
type baseClient struct {
	mu        sync.RWMutex
	client    client.MCPClient
	connected bool
}

func (c *baseClient) closeClient() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.connected = false
	c.client = nil
	return err
}

func (c *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return result.Tools, nil
}

func (c *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call tool: %w", err)
	}
	return result, nil
}

func (c *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := c.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	return result, nil
}

// initRequest builds the shared handshake request.
func initRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}
