package mcpclient

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolplane/toolplane/pkg/models"
)

// uiMetaKey is the tool _meta extension some servers attach to point at an
// embeddable UI resource for the tool's output.
const uiMetaKey = "ui"

// Descriptors converts a server's raw tool catalog into tagged descriptors.
func Descriptors(serverID string, tools []mcp.Tool) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		out = append(out, models.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
			UIResource:  UIResourceFromMeta(tool.Meta),
			ServerID:    serverID,
		})
	}
	return out
}

// schemaMap flattens the typed input schema into the generic JSON-schema map
// the model client expects. A schema that fails to round-trip degrades to an
// empty object schema instead of dropping the tool.
func schemaMap(schema mcp.ToolInputSchema) map[string]interface{} {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	return m
}

// UIResourceFromMeta extracts the typed UI hint from a _meta bag, if
// present. Both tool descriptors and call results may carry one.
func UIResourceFromMeta(meta *mcp.Meta) *models.UIResource {
	if meta == nil || meta.AdditionalFields == nil {
		return nil
	}
	hint, ok := meta.AdditionalFields[uiMetaKey].(map[string]interface{})
	if !ok {
		return nil
	}

	res := &models.UIResource{}
	if uri, ok := hint["uri"].(string); ok {
		res.URI = uri
	}
	if mime, ok := hint["mimeType"].(string); ok {
		res.MimeType = mime
	}
	if res.URI == "" && res.MimeType == "" {
		return nil
	}
	return res
}
