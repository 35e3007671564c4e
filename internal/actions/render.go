package actions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ronappleton/workflow-engine/internal/workflow"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render substitutes {{dot.path}} placeholders with values from the
// execution context. Unresolvable paths render empty.
func Render(input string, execCtx workflow.Context) string {
	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		path := strings.TrimSpace(strings.Trim(match, "{}"))
		value := workflow.ResolvePath(execCtx, path)
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
}

// RenderValue applies Render recursively through maps, slices and
// strings so whole action configs can be templated.
func RenderValue(value any, execCtx workflow.Context) any {
	switch v := value.(type) {
	case string:
		return Render(v, execCtx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = RenderValue(item, execCtx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RenderValue(item, execCtx)
		}
		return out
	default:
		return value
	}
}
