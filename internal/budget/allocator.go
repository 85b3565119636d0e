// Package budget fits retrieved context into a model's context window.
package budget

import (
	"fmt"
	"strings"

	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/token"
)

// Context-window limits per model. Prefix matching covers dated snapshot
// names. Unknown models get a conservative default.
var modelLimits = map[string]int{
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-3.5-turbo": 16385,
}

const (
	defaultModelLimit      = 8192
	defaultResponseReserve = 1024
)

// Allocation is the split of leftover tokens between document context and
// web-result context. The default favors document context.
type Allocation struct {
	Document float64 `json:"document" yaml:"document"`
	Web      float64 `json:"web" yaml:"web"`
}

// DefaultAllocation is used when the caller supplies no, or an invalid,
// split.
var DefaultAllocation = Allocation{Document: 0.7, Web: 0.3}

func (a Allocation) valid() bool {
	if a.Document < 0 || a.Web < 0 {
		return false
	}
	return a.Document+a.Web > 0
}

func (a Allocation) normalized() Allocation {
	if !a.valid() {
		a = DefaultAllocation
	}
	sum := a.Document + a.Web
	return Allocation{Document: a.Document / sum, Web: a.Web / sum}
}

// Request describes what the caller intends to send to the model.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	// ResponseReserve holds back tokens for the model's answer. Zero
	// selects the default reserve.
	ResponseReserve int
	// Allocation overrides the document/web split.
	Allocation *Allocation
}

// TokenBudget is the planned token spend for one request. DocumentContext
// plus WebContext plus PromptTokens plus ResponseReserve never exceeds
// ModelLimit.
type TokenBudget struct {
	Model           string   `json:"model"`
	ModelLimit      int      `json:"model_limit"`
	PromptTokens    int      `json:"prompt_tokens"`
	ResponseReserve int      `json:"response_reserve"`
	DocumentContext int      `json:"document_context"`
	WebContext      int      `json:"web_context"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ContextInput is the candidate text to fit into a budget.
type ContextInput struct {
	DocumentContext string
	WebResults      string
}

// AllocatedContext is the budget-fitted text.
type AllocatedContext struct {
	DocumentContext string   `json:"document_context"`
	WebResults      string   `json:"web_results"`
	TotalTokens     int      `json:"total_tokens"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Allocator plans and enforces token budgets using real tokenizer counts.
type Allocator struct {
	counter *token.Counter
}

// NewAllocator creates an allocator measuring with the given counter.
func NewAllocator(counter *token.Counter) *Allocator {
	return &Allocator{counter: counter}
}

// ModelLimit returns the context-window size for a model name.
func ModelLimit(model string) int {
	if limit, ok := modelLimits[model]; ok {
		return limit
	}
	for prefix, limit := range modelLimits {
		if strings.HasPrefix(model, prefix) {
			return limit
		}
	}
	return defaultModelLimit
}

// CalculateBudget measures the prompts and splits the remaining window
// between document and web context.
func (a *Allocator) CalculateBudget(req Request) (TokenBudget, error) {
	if req.Model == "" {
		return TokenBudget{}, fmt.Errorf("%w: model is required", domain.ErrValidation)
	}

	budget := TokenBudget{
		Model:           req.Model,
		ModelLimit:      ModelLimit(req.Model),
		ResponseReserve: req.ResponseReserve,
	}
	if budget.ResponseReserve <= 0 {
		budget.ResponseReserve = defaultResponseReserve
	}

	sys, err := a.counter.CountForModel(req.SystemPrompt, req.Model)
	if err != nil {
		return TokenBudget{}, fmt.Errorf("count system prompt: %w", err)
	}
	usr, err := a.counter.CountForModel(req.UserPrompt, req.Model)
	if err != nil {
		return TokenBudget{}, fmt.Errorf("count user prompt: %w", err)
	}
	budget.PromptTokens = sys + usr

	remaining := budget.ModelLimit - budget.PromptTokens - budget.ResponseReserve
	if remaining <= 0 {
		budget.Warnings = append(budget.Warnings, fmt.Sprintf(
			"prompts and response reserve (%d tokens) leave no room for context within the %d-token window",
			budget.PromptTokens+budget.ResponseReserve, budget.ModelLimit))
		return budget, nil
	}

	alloc := DefaultAllocation
	if req.Allocation != nil {
		alloc = req.Allocation.normalized()
	}
	budget.DocumentContext = int(float64(remaining) * alloc.Document)
	budget.WebContext = remaining - budget.DocumentContext
	return budget, nil
}

// AllocateContext fits candidate text into the budget, truncating whatever
// overflows its slice. The returned total never exceeds the budgeted
// context tokens.
func (a *Allocator) AllocateContext(budget TokenBudget, in ContextInput) (AllocatedContext, error) {
	out := AllocatedContext{}

	doc, docTokens, truncated, err := a.fit(in.DocumentContext, budget.DocumentContext, budget.Model)
	if err != nil {
		return out, fmt.Errorf("fit document context: %w", err)
	}
	if truncated {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"document context truncated to %d tokens", budget.DocumentContext))
	}

	web, webTokens, truncated, err := a.fit(in.WebResults, budget.WebContext, budget.Model)
	if err != nil {
		return out, fmt.Errorf("fit web results: %w", err)
	}
	if truncated {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"web results truncated to %d tokens", budget.WebContext))
	}

	out.DocumentContext = doc
	out.WebResults = web
	out.TotalTokens = docTokens + webTokens
	return out, nil
}

// fit truncates text to at most maxTokens, searching rune boundaries for
// the longest prefix that still fits.
func (a *Allocator) fit(text string, maxTokens int, model string) (string, int, bool, error) {
	if text == "" || maxTokens <= 0 {
		if text == "" {
			return "", 0, false, nil
		}
		return "", 0, true, nil
	}

	count, err := a.counter.CountForModel(text, model)
	if err != nil {
		return "", 0, false, err
	}
	if count <= maxTokens {
		return text, count, false, nil
	}

	runes := []rune(text)
	lo, hi := 0, len(runes) // invariant: prefix of length lo fits
	for lo < hi {
		mid := (lo + hi + 1) / 2
		c, err := a.counter.CountForModel(string(runes[:mid]), model)
		if err != nil {
			return "", 0, false, err
		}
		if c <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	fitted := string(runes[:lo])
	c, err := a.counter.CountForModel(fitted, model)
	if err != nil {
		return "", 0, false, err
	}
	return fitted, c, true, nil
}
