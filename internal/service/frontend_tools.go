package service

import (
	"encoding/json"

	"github.com/toolscope/toolscope/pkg/mcp"
)

// Input schemas of the administrative tools. Kept as raw JSON so the
// exposed definitions match what clients receive byte for byte.
var (
	emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

	buildToolsetSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$",
      "minLength": 2,
      "maxLength": 50,
      "description": "Toolset name: lowercase letters, digits and hyphens"
    },
    "description": {
      "type": "string",
      "description": "Optional human-readable description"
    },
    "tools": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "namespacedName": {"type": "string"},
          "refId": {"type": "string"}
        }
      },
      "description": "Tools to include, by namespaced name and/or refId"
    },
    "autoEquip": {
      "type": "boolean",
      "description": "Equip the toolset immediately after saving"
    }
  },
  "required": ["name", "tools"]
}`)

	toolsetNameSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "description": "Toolset name"}
  },
  "required": ["name"]
}`)

	deleteToolsetSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "description": "Toolset name"},
    "confirm": {"type": "boolean", "description": "Must be true to delete"}
  },
  "required": ["name", "confirm"]
}`)

	addAnnotationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "toolRef": {
      "type": "object",
      "properties": {
        "namespacedName": {"type": "string"},
        "refId": {"type": "string"}
      },
      "description": "Tool inside the active toolset"
    },
    "notes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "note": {"type": "string"}
        },
        "required": ["name", "note"]
      },
      "description": "Named notes to append; existing note names are kept"
    }
  },
  "required": ["toolRef", "notes"]
}`)
)

// adminToolDefs is the administrative tool set. The exit tool is only
// listed when the mode split is active.
func adminToolDefs(includeExit bool) []mcp.ToolDef {
	defs := []mcp.ToolDef{
		{
			Name:        toolListAvailable,
			Description: "List every tool discovered from the connected downstream servers, grouped by server.",
			InputSchema: emptyObjectSchema,
		},
		{
			Name:        toolBuildToolset,
			Description: "Create and persist a named toolset from a selection of discovered tools.",
			InputSchema: buildToolsetSchema,
		},
		{
			Name:        toolListSaved,
			Description: "List the saved toolsets with their tool counts and creation times.",
			InputSchema: emptyObjectSchema,
		},
		{
			Name:        toolEquipToolset,
			Description: "Equip a saved toolset and switch to normal mode, exposing only its tools.",
			InputSchema: toolsetNameSchema,
		},
		{
			Name:        toolDeleteToolset,
			Description: "Delete a saved toolset. Requires confirmation and refuses while the toolset is equipped.",
			InputSchema: deleteToolsetSchema,
		},
		{
			Name:        toolUnequipToolset,
			Description: "Clear the equipped toolset and return to configuration mode.",
			InputSchema: emptyObjectSchema,
		},
		{
			Name:        toolGetActiveToolset,
			Description: "Describe the equipped toolset, including unavailable tools and servers.",
			InputSchema: emptyObjectSchema,
		},
		{
			Name:        toolAddAnnotation,
			Description: "Append named usage notes to a tool in the active toolset. Notes are additive and rendered into the tool description.",
			InputSchema: addAnnotationSchema,
		},
	}
	if includeExit {
		defs = append(defs, mcp.ToolDef{
			Name:        toolExitConfig,
			Description: "Leave configuration mode and expose the equipped toolset.",
			InputSchema: emptyObjectSchema,
		})
	}
	return defs
}

// enterConfigDef is the navigation tool exposed in normal mode.
func enterConfigDef() mcp.ToolDef {
	return mcp.ToolDef{
		Name:        toolEnterConfig,
		Description: "Switch to configuration mode to manage toolsets.",
		InputSchema: emptyObjectSchema,
	}
}
