package workbench

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/narthex/kit"
)

// RegisterMCP registers the read views of the workbench on an MCP server.
func (w *Workbench) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "narthex_datasets",
		Description: "List the tracked datasets with their analysis progress and polling state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, w.ep.datasets, kit.DecodeArgs[datasetsRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "narthex_tree",
		Description: "Return the tag tree of a dataset with its record root and unique id",
		InputSchema: inputSchema(map[string]any{
			"dataset": map[string]any{"type": "string", "description": "Dataset name"},
			"reload":  map[string]any{"type": "boolean", "description": "Fetch the tree again from the analysis service"},
		}, []string{"dataset"}),
	}, w.ep.tree, kit.DecodeArgs[treeRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "narthex_terms",
		Description: "Return the value histogram of a node classified against the vocabulary mappings",
		InputSchema: inputSchema(map[string]any{
			"dataset": map[string]any{"type": "string", "description": "Dataset name"},
			"path":    map[string]any{"type": "string", "description": "Node path, e.g. /pockets/pocket/rec/title"},
			"size":    map[string]any{"type": "integer", "description": "Histogram page size, one of the listed sizes"},
			"show":    map[string]any{"type": "string", "enum": []string{"all", "mapped", "unmapped"}},
		}, []string{"dataset", "path"}),
	}, w.ep.terms, kit.DecodeArgs[TermsRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "narthex_records",
		Description: "Return the records in which a node holds a given value",
		InputSchema: inputSchema(map[string]any{
			"dataset": map[string]any{"type": "string", "description": "Dataset name"},
			"path":    map[string]any{"type": "string", "description": "Node path, e.g. /pockets/pocket/rec/title"},
			"value":   map[string]any{"type": "string", "description": "Value as listed in the node histogram"},
		}, []string{"dataset", "path", "value"}),
	}, w.ep.records, kit.DecodeArgs[RecordsRequest])
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
