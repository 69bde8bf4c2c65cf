package llm

import "strings"

// StripMarkdownFence removes a single leading/trailing ``` or ```json
// fence from text, if present. Some models wrap structured output in a
// fence even when explicitly asked not to.
func StripMarkdownFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}
