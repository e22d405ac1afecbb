package gemini

import (
	"encoding/json"

	"google.golang.org/genai"

	"github.com/square-key-labs/strawgo-callagent/src/services"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

// ContentsFromMessages converts the conversation history into Gemini contents.
//
// Gemini only knows "user" and "model" turns: system messages are sent as
// user text, tool results become user function responses, and consecutive
// messages with the same role are merged into one content.
func ContentsFromMessages(messages []services.LLMMessage) []*genai.Content {
	callNames := make(map[string]string)
	var contents []*genai.Content

	appendParts := func(role string, parts ...*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: decodeArgs(tc.Function.Arguments),
				}})
			}
			appendParts(roleModel, parts...)

		case "tool":
			appendParts(roleUser, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     callNames[msg.ToolCallID],
				Response: map[string]any{"result": msg.Content},
			}})

		default:
			if msg.Content == "" {
				continue
			}
			appendParts(roleUser, &genai.Part{Text: msg.Content})
		}
	}
	return contents
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// ToolsFromServices converts tool definitions into one Gemini tool holding
// every function declaration. It returns nil when there are no tools.
func ToolsFromServices(tools []services.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		props := make(map[string]*genai.Schema, len(t.Function.Parameters.Properties))
		for name, p := range t.Function.Parameters.Properties {
			props[name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   t.Function.Parameters.Required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func schemaType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
