package mcpclient

import (
	"fmt"

	"github.com/toolplane/toolplane/pkg/models"
)

// New builds the MCP client matching the server's transport kind.
// authHeaders carries a resolved Authorization header for credentialed
// servers; it is ignored by the stdio transport.
func New(server *models.ToolServer, authHeaders map[string]string) (MCPClient, error) {
	switch server.Transport {
	case models.TransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("command is required for stdio transport")
		}
		return NewStdioClient(server.Command, server.Args, server.Env), nil

	case models.TransportSSE:
		if server.URL == "" {
			return nil, fmt.Errorf("url is required for sse transport")
		}
		return NewSSEClient(server.URL, authHeaders), nil

	case models.TransportStreamableHTTP:
		if server.URL == "" {
			return nil, fmt.Errorf("url is required for streamable-http transport")
		}
		return NewStreamableHTTPClient(server.URL, authHeaders), nil

	default:
		return nil, fmt.Errorf("unsupported transport %q (supported: %s, %s, %s)",
			server.Transport, models.TransportStdio, models.TransportSSE, models.TransportStreamableHTTP)
	}
}
