package postman

import (
	"encoding/json"
	"net/url"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const schemaV21 = "https://schema.getpostman.com/json/collection/v2.1.0/collection.json"

// Collection is a Postman v2.1 collection document
type Collection struct {
	Info     Info       `json:"info"`
	Item     []Folder   `json:"item"`
	Variable []Variable `json:"variable"`
}

// Info is the collection header; PostmanID is fresh on every generation
type Info struct {
	PostmanID   string `json:"_postman_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      string `json:"schema"`
}

// Folder groups requests by capability class
type Folder struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Item        []Item `json:"item"`
}

// Item is one request entry
type Item struct {
	Name    string  `json:"name"`
	Request Request `json:"request"`
}

// Request describes one HTTP call against the bridge
type Request struct {
	Method      string   `json:"method"`
	Header      []Header `json:"header"`
	Body        *Body    `json:"body,omitempty"`
	URL         URL      `json:"url"`
	Description string   `json:"description,omitempty"`
}

// Header is one request header entry
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Body carries a raw JSON example payload
type Body struct {
	Mode    string      `json:"mode"`
	Raw     string      `json:"raw"`
	Options BodyOptions `json:"options"`
}

// BodyOptions selects the raw-body language for the Postman editor
type BodyOptions struct {
	Raw RawOptions `json:"raw"`
}

// RawOptions names the body language
type RawOptions struct {
	Language string `json:"language"`
}

// URL is the Postman request-url structure
type URL struct {
	Raw  string   `json:"raw"`
	Host []string `json:"host"`
	Path []string `json:"path"`
}

// Variable is one collection-level variable
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// buildCollection assembles the document: one folder per non-empty
// capability class plus the canonical discovery endpoints.
func buildCollection(req *GenerateRequest, serverID string, surf *surface) *Collection {
	name := req.Name
	if name == "" {
		name = serverID + " MCP Bridge"
	}

	col := &Collection{
		Info: Info{
			PostmanID:   uuid.NewString(),
			Name:        name,
			Description: "Generated REST collection for the " + serverID + " MCP backend.",
			Schema:      schemaV21,
		},
		Variable: []Variable{
			{Key: "url", Value: "http://localhost:3000", Type: "string"},
			{Key: "server_id", Value: serverID, Type: "string"},
		},
	}
	if req.AuthToken != "" {
		col.Variable = append(col.Variable, Variable{Key: "auth_token", Value: req.AuthToken, Type: "string"})
	}
	col.Variable = append(col.Variable,
		Variable{Key: "unit", Value: "metric", Type: "string"},
		Variable{Key: "values", Value: "{}", Type: "string"},
	)

	if len(surf.Tools) > 0 {
		col.Item = append(col.Item, toolsFolder(surf.Tools))
	}
	if len(surf.Resources) > 0 {
		col.Item = append(col.Item, resourcesFolder(surf.Resources))
	}
	if len(surf.Prompts) > 0 {
		col.Item = append(col.Item, promptsFolder(surf.Prompts))
	}
	col.Item = append(col.Item, generalFolder())

	return col
}

func toolsFolder(tools []mcp.Tool) Folder {
	folder := Folder{Name: "Tools", Description: "Invoke backend tools through the bridge."}
	for _, tool := range tools {
		folder.Item = append(folder.Item, Item{
			Name: tool.Name,
			Request: Request{
				Method:      "POST",
				Header:      jsonHeaders(),
				Body:        exampleBody(exampleArguments(tool.InputSchema)),
				URL:         bridgeURL("servers", "{{server_id}}", "tools", tool.Name),
				Description: tool.Description,
			},
		})
	}
	return folder
}

func resourcesFolder(resources []mcp.Resource) Folder {
	folder := Folder{Name: "Resources", Description: "Read backend resources by URI."}
	for _, res := range resources {
		name := res.Name
		if name == "" {
			name = res.URI
		}
		folder.Item = append(folder.Item, Item{
			Name: name,
			Request: Request{
				Method:      "GET",
				Header:      jsonHeaders(),
				URL:         bridgeURL("servers", "{{server_id}}", "resources", url.PathEscape(res.URI)),
				Description: res.Description,
			},
		})
	}
	return folder
}

func promptsFolder(prompts []mcp.Prompt) Folder {
	folder := Folder{Name: "Prompts", Description: "Render backend prompts with arguments."}
	for _, prompt := range prompts {
		args := make(map[string]interface{}, len(prompt.Arguments))
		for _, arg := range prompt.Arguments {
			args[arg.Name] = "example"
		}
		folder.Item = append(folder.Item, Item{
			Name: prompt.Name,
			Request: Request{
				Method:      "POST",
				Header:      jsonHeaders(),
				Body:        exampleBody(args),
				URL:         bridgeURL("servers", "{{server_id}}", "prompts", prompt.Name),
				Description: prompt.Description,
			},
		})
	}
	return folder
}

func generalFolder() Folder {
	return Folder{
		Name:        "General Operations",
		Description: "Discovery endpoints available for every backend.",
		Item: []Item{
			{Name: "List Servers", Request: Request{
				Method: "GET", Header: jsonHeaders(),
				URL: bridgeURL("servers"),
			}},
			{Name: "List Tools", Request: Request{
				Method: "GET", Header: jsonHeaders(),
				URL: bridgeURL("servers", "{{server_id}}", "tools"),
			}},
			{Name: "List Resources", Request: Request{
				Method: "GET", Header: jsonHeaders(),
				URL: bridgeURL("servers", "{{server_id}}", "resources"),
			}},
			{Name: "List Prompts", Request: Request{
				Method: "GET", Header: jsonHeaders(),
				URL: bridgeURL("servers", "{{server_id}}", "prompts"),
			}},
		},
	}
}

func jsonHeaders() []Header {
	return []Header{{Key: "Content-Type", Value: "application/json"}}
}

func bridgeURL(path ...string) URL {
	raw := "{{url}}"
	for _, seg := range path {
		raw += "/" + seg
	}
	return URL{Raw: raw, Host: []string{"{{url}}"}, Path: path}
}

func exampleBody(args map[string]interface{}) *Body {
	return &Body{
		Mode:    "raw",
		Raw:     mustJSON(args),
		Options: BodyOptions{Raw: RawOptions{Language: "json"}},
	}
}

// exampleArguments projects a tool's JSON input schema into an example
// parameter bag, one placeholder per declared property by type.
func exampleArguments(schema mcp.ToolInputSchema) map[string]interface{} {
	args := make(map[string]interface{}, len(schema.Properties))
	for name, raw := range schema.Properties {
		args[name] = exampleValue(raw)
	}
	return args
}

func exampleValue(raw interface{}) interface{} {
	prop, ok := raw.(map[string]interface{})
	if !ok {
		return "example"
	}
	if def, ok := prop["default"]; ok {
		return def
	}
	if enum, ok := prop["enum"].([]interface{}); ok && len(enum) > 0 {
		return enum[0]
	}

	typ, _ := prop["type"].(string)
	switch typ {
	case "string":
		return "example"
	case "number":
		return 42.0
	case "integer":
		return 42
	case "boolean":
		return true
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	default:
		return "example"
	}
}

func mustJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
