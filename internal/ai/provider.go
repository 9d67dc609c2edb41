package ai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Request is a fully built provider HTTP request. Body encoding (JSON or
// multipart) is already applied; Header carries the matching Content-Type.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Usage is the token accounting block of a provider response. A zero value
// means the response carried no usage data.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u Usage) IsZero() bool {
	return u == Usage{}
}

// ChatMessage is the structured answer of a chat completion.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Answer is the normalized single result of an invocation. Text is always
// set; Message is additionally set for chat completions.
type Answer struct {
	Text    string
	Message *ChatMessage
}

// Provider builds wire requests and normalizes responses for one AI vendor.
// Operation-specific behavior lives in a per-operation dispatch table inside
// each implementation.
type Provider interface {
	BuildRequest(ctx context.Context, cfg Config, prompt Prompt, scope CommandScope) (Request, error)
	ParseResponse(cfg Config, body []byte) (Answer, Usage, error)
	ParseError(statusCode int, body []byte) error
}

// ProviderOptions carries the collaborators a provider may use.
type ProviderOptions struct {
	Transcoder Transcoder
	Logger     zerolog.Logger
}

// NewProvider builds the provider implementation for a config's provider key.
func NewProvider(name string, opts ProviderOptions) (Provider, error) {
	switch name {
	case ProviderOpenAI:
		return newOpenAI(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}
