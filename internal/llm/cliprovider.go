package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

// authErrorSubstrings and quotaIndicatorSubstrings classify CLI failure
// output, matched case-insensitively against combined stdout+stderr.
var authErrorSubstrings = []string{
	"invalid api key",
	"fix external api key",
	"authentication",
	"login required",
	"not authenticated",
	"please log in",
}

var quotaIndicatorSubstrings = []string{
	"usage limit",
	"quota",
	"rate limit",
	"too many requests",
	"exceeded",
	"throttle",
	"usage cap",
}

// CLIProvider invokes a local command-line LLM binary (e.g. the `claude`
// CLI). Its failure modes are session-scoped: an expired login or an
// exhausted usage cap takes out every worker on the host, which is why
// classified auth/quota errors carry a retry-after for the shared state
// manager.
type CLIProvider struct {
	cliPath         string
	modelName       string
	apiKey          string // ANTHROPIC_API_KEY or equivalent, passed through only if set
	quotaRetryAfter time.Duration

	// runCommand is overridable in tests.
	runCommand func(ctx context.Context, args []string, env []string) ([]byte, []byte, error)
}

// NewCLIProvider constructs a CLIProvider. apiKey may be empty, in which
// case it is not propagated to the subprocess environment at all.
func NewCLIProvider(cliPath, modelName, apiKey string, quotaRetryAfter time.Duration) *CLIProvider {
	if quotaRetryAfter <= 0 {
		quotaRetryAfter = errs.DefaultQuotaRetryAfter
	}
	p := &CLIProvider{
		cliPath:         cliPath,
		modelName:       modelName,
		apiKey:          apiKey,
		quotaRetryAfter: quotaRetryAfter,
	}
	p.runCommand = p.execCommand
	return p
}

func (p *CLIProvider) ModelName() string { return p.modelName }

func (p *CLIProvider) SupportsStructuredOutput() bool { return true }

func (p *CLIProvider) minimalEnv() []string {
	env := []string{}
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	if home, ok := os.LookupEnv("HOME"); ok {
		env = append(env, "HOME="+home)
	}
	if p.apiKey != "" && !strings.Contains(strings.ToLower(p.apiKey), "placeholder") {
		env = append(env, "ANTHROPIC_API_KEY="+p.apiKey)
	}
	return env
}

func (p *CLIProvider) execCommand(ctx context.Context, args []string, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, p.cliPath, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// buildArgs composes the claude CLI invocation: -p (print mode),
// --output-format json|text, --model, and the prompt itself.
func (p *CLIProvider) buildArgs(prompt string, jsonOutput bool) []string {
	args := []string{"-p", "--output-format"}
	if jsonOutput {
		args = append(args, "json")
	} else {
		args = append(args, "text")
	}
	if p.modelName != "" {
		args = append(args, "--model", p.modelName)
	}
	return append(args, prompt)
}

// CheckAuthentication runs a trivial prompt with a 10-second wall clock to
// detect whether the CLI is authenticated. Returns nil if healthy, or a
// classified *errs.Error (AuthError/QuotaError/ProviderError) otherwise.
func (p *CLIProvider) CheckAuthentication(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := p.buildArgs("ping", false)
	stdout, stderr, err := p.runCommand(ctx, args, p.minimalEnv())
	combined := strings.ToLower(string(stdout) + string(stderr))

	if err == nil {
		return nil
	}
	if classified := p.classifyFailure(combined); classified != nil {
		return classified
	}
	return errs.NewProviderError(fmt.Sprintf("authentication probe failed: %v", err), err)
}

func (p *CLIProvider) classifyFailure(lowerOutput string) error {
	for _, s := range authErrorSubstrings {
		if strings.Contains(lowerOutput, s) {
			return errs.NewAuthError("claude cli not authenticated: "+lowerOutput, errs.DefaultAuthRetryAfter)
		}
	}
	for _, s := range quotaIndicatorSubstrings {
		if strings.Contains(lowerOutput, s) {
			return errs.NewQuotaError("claude cli quota exceeded: "+lowerOutput, p.quotaRetryAfter)
		}
	}
	return nil
}

// Generate invokes the CLI with the given prompt. Token usage is always
// zero, since the CLI does not report it.
func (p *CLIProvider) Generate(ctx context.Context, prompt string, format *JSONSchemaFormat, config GenerateConfig) (*Response, error) {
	if format == nil {
		format = config.Format
	}

	fullPrompt := prompt
	if format != nil {
		schemaJSON, err := json.Marshal(format.JSONSchema.Schema)
		if err != nil {
			return nil, errs.NewProviderError("encoding structured-output schema", err)
		}
		fullPrompt = fmt.Sprintf(
			"%s\n\nRespond with JSON matching exactly this schema (no prose, no markdown fence):\n%s",
			prompt, string(schemaJSON),
		)
	}

	args := p.buildArgs(fullPrompt, true)
	stdout, stderr, err := p.runCommand(ctx, args, p.minimalEnv())
	combined := strings.ToLower(string(stdout) + string(stderr))

	if err != nil {
		if classified := p.classifyFailure(combined); classified != nil {
			return nil, classified
		}
		return nil, errs.NewProviderError(fmt.Sprintf("error generating completion: %v", err), err)
	}

	text, err := p.parseCLIOutput(stdout)
	if err != nil {
		return nil, errs.NewProviderError("error generating completion: parsing cli output", err)
	}

	resp := &Response{
		Text:  text,
		Model: p.modelName,
		Raw:   string(stdout),
	}

	if format != nil {
		cleaned := StripMarkdownFence(text)
		var parsed map[string]any
		if jsonErr := json.Unmarshal([]byte(cleaned), &parsed); jsonErr != nil {
			resp.Text = "Invalid JSON response"
			resp.Parsed = nil
			return resp, nil
		}
		resp.Parsed = parsed
	}
	return resp, nil
}

// parseCLIOutput decodes the --output-format json envelope the claude CLI
// emits, which wraps the assistant's text under a "result" key; falls back
// to the raw stdout as plain text if it is not a JSON envelope.
func (p *CLIProvider) parseCLIOutput(stdout []byte) (string, error) {
	var envelope struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(stdout, &envelope); err == nil && envelope.Result != "" {
		return envelope.Result, nil
	}
	return string(stdout), nil
}
