// Package advisory wraps optional language model backends used to annotate ranking output.
// An advisor never decides a ranking; when it is missing or failing callers fall back to the
// heuristic reason strings.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-reorder/model"
)

const ErrCodeAdvisoryFailed = "ADVISORY_FAILED"

var ErrAdvisoryFailed = apperrors.New("advisory request failed", apperrors.CategoryExternal).
	WithTextCode(ErrCodeAdvisoryFailed)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Options tune a single completion.
type Options struct {
	MaxTokens   int
	Temperature *float64
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Completion struct {
	Content    string
	Usage      Usage
	StopReason string
}

// Advisor is the optional advisory service port.
type Advisor interface {
	IsAvailable() bool
	Complete(ctx context.Context, messages []Message, opts Options) (*Completion, error)
}

// Providers.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config selects and configures a backend.
type Config struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// New builds the advisor described by cfg. A missing API key yields a Noop advisor so
// the absence degrades silently.
func New(ctx context.Context, cfg Config) (Advisor, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == ProviderNone {
		return Noop{}, nil
	}
	key := ""
	if cfg.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if key == "" {
		return Noop{}, nil
	}
	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(key, cfg.Model), nil
	case ProviderGemini:
		return NewGemini(ctx, key, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown advisory provider %q", cfg.Provider)
	}
}

// Noop is the unavailable advisor.
type Noop struct{}

func (Noop) IsAvailable() bool { return false }

func (Noop) Complete(context.Context, []Message, Options) (*Completion, error) {
	return nil, ErrAdvisoryFailed.Clone()
}

// Func adapts a function into an available Advisor.
type Func func(ctx context.Context, messages []Message, opts Options) (*Completion, error)

func (f Func) IsAvailable() bool { return f != nil }

func (f Func) Complete(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	return f(ctx, messages, opts)
}

func wrapFailure(err error, provider string) error {
	if err == nil {
		return nil
	}
	var ge *apperrors.Error
	if errors.As(err, &ge) && ge.TextCode == ErrCodeAdvisoryFailed {
		return err
	}
	return apperrors.Wrap(err, apperrors.CategoryExternal, provider+" completion failed").
		WithTextCode(ErrCodeAdvisoryFailed).
		WithMetadata(map[string]any{"provider": provider})
}

func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

const rationaleSystemPrompt = "You help a shopper review grocery substitutions. " +
	"Explain in one short paragraph why the proposed product is a reasonable replacement. " +
	"Do not suggest a different product."

// SubstituteRationale asks advisor for a one paragraph explanation of a chosen substitute.
// It returns "" when the advisor is unavailable, fails, or answers with nothing.
func SubstituteRationale(ctx context.Context, advisor Advisor, original model.CartItem, pick model.ScoredSubstitute, opts Options) string {
	if advisor == nil || !advisor.IsAvailable() {
		return ""
	}
	prompt := fmt.Sprintf(
		"Original item: %s (brand %q, category %q, price %.2f) is unavailable.\n"+
			"Proposed substitute: %s (brand %q, price %.2f, score %.2f).\n"+
			"Heuristic notes: %s.",
		original.Name, original.Brand, original.Category, original.Price,
		pick.Product.Name, pick.Product.Brand, pick.Product.Price, pick.Score,
		pick.Reason,
	)
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 200
	}
	out, err := advisor.Complete(ctx, []Message{
		{Role: RoleSystem, Content: rationaleSystemPrompt},
		{Role: RoleUser, Content: prompt},
	}, opts)
	if err != nil || out == nil {
		return ""
	}
	return strings.TrimSpace(out.Content)
}
