package api

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/relay/pkg/models"
)

// maxToolUses caps server tool calls per execution.
const maxToolUses = 5

// toolParams maps an agent's tool allowlist onto tools the API runs on its
// side. There is no local tool runtime, so any other name is returned as
// unsupported and not offered.
func toolParams(allow []string) (tools []anthropic.ToolUnionParam, unsupported []string) {
	for _, name := range allow {
		switch name {
		case string(models.CapabilityWebSearch):
			tools = append(tools, anthropic.ToolUnionParam{
				OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
					MaxUses: anthropic.Int(maxToolUses),
				},
			})
		default:
			unsupported = append(unsupported, name)
		}
	}
	return tools, unsupported
}

// toolCall records a tool_use or server_tool_use block.
func toolCall(block anthropic.ContentBlockUnion) (models.ToolCall, bool) {
	switch b := block.AsAny().(type) {
	case anthropic.ServerToolUseBlock:
		input, _ := json.Marshal(b.Input)
		return models.ToolCall{Name: string(b.Name), Input: string(input)}, true
	case anthropic.ToolUseBlock:
		return models.ToolCall{Name: b.Name, Input: string(b.Input)}, true
	}
	return models.ToolCall{}, false
}
