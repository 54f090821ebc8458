package agentloop

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ryrobes/larsql-sub001/internal/model"
)

// fencedJSONBlock matches a fenced ```json ... ``` code block.
var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

// parsePromptModeToolCalls implements the parsing rule for
// providers without native function calling: a fenced json block is a tool
// call iff its parsed object has a top-level "tool" key; blocks without
// one are ignored (the model may include illustrative JSON); a malformed
// block containing the literal "tool" is reported as an error for the
// model to self-correct.
func parsePromptModeToolCalls(text string) ([]model.ToolCall, error) {
	matches := fencedJSONBlock.FindAllStringSubmatch(text, -1)
	var calls []model.ToolCall
	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			if strings.Contains(body, `"tool"`) {
				return nil, fmt.Errorf("prompt-mode tool block: malformed json containing a \"tool\" key: %w", err)
			}
			continue
		}
		toolRaw, ok := obj["tool"]
		if !ok {
			continue // illustrative JSON without a "tool" key; not a call
		}
		var toolName string
		if err := json.Unmarshal(toolRaw, &toolName); err != nil {
			return nil, fmt.Errorf("prompt-mode tool block: \"tool\" field is not a string: %w", err)
		}
		args := obj["args"]
		if args == nil {
			args = json.RawMessage("{}")
		}
		calls = append(calls, model.ToolCall{
			ID:      uuid.NewString(),
			Name:    toolName,
			Payload: args,
		})
	}
	return calls, nil
}
