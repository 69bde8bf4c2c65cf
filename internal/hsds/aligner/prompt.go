package aligner

import (
	"os"
	"sync"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

var (
	promptCacheMu sync.Mutex
	promptCache   = map[string]string{}
)

// LoadSystemPrompt reads the system prompt template from path, caching the
// result per path for the life of the process.
func LoadSystemPrompt(path string) (string, error) {
	promptCacheMu.Lock()
	defer promptCacheMu.Unlock()

	if cached, ok := promptCache[path]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.NewSchemaError("reading aligner system prompt", err)
	}
	prompt := string(data)
	promptCache[path] = prompt
	return prompt, nil
}

// DefaultSystemPrompt is used when no prompt file is configured; it
// describes the alignment task directly so the aligner is usable without a
// bundled prompts directory.
const DefaultSystemPrompt = `You are an expert at converting raw text describing a social-service ` +
	`provider (a food pantry, shelter, or similar program) into a strict ` +
	`HSDS-conformant JSON record. Produce a JSON object with three arrays: ` +
	`"organization", "service", and "location". Every organization must ` +
	`reference at least one service by id; every service must reference its ` +
	`owning organization by id; every location must carry an address and ` +
	`coordinates when available. Do not invent data that is not present or ` +
	`reasonably inferable from the input. Respond with JSON only.`
