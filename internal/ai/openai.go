package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Role labels used when a completion config copies history with roles. The
// completion is told to stop before producing the next label.
const (
	roleLabelClient    = "Client"
	roleLabelAssistant = "Assistant"
)

// operationCodec holds the request/response shaping rules of one operation.
// New operations extend this table, not the dispatch code.
type operationCodec struct {
	encode func(ctx context.Context, p *openAI, cfg Config, prompt Prompt, command string) (body []byte, contentType string, err error)

	// wrapResponse aligns flat provider bodies with the uniform
	// {choices: [...]} shape before decoding.
	wrapResponse bool

	// textAnswer extracts choices[0].text; otherwise choices[0].message.
	textAnswer bool
}

type openAI struct {
	transcoder Transcoder
	logger     zerolog.Logger
	codecs     map[string]operationCodec
}

func newOpenAI(opts ProviderOptions) *openAI {
	p := &openAI{
		transcoder: opts.Transcoder,
		logger:     opts.Logger,
	}
	p.codecs = map[string]operationCodec{
		OpCompletions:         {encode: encodeCompletions, textAnswer: true},
		OpChatCompletions:     {encode: encodeChatCompletions},
		OpEdits:               {encode: encodeEdits, textAnswer: true},
		OpAudioTranscriptions: {encode: encodeAudioTranscription, wrapResponse: true, textAnswer: true},
	}
	return p
}

var _ Provider = (*openAI)(nil)

func (p *openAI) BuildRequest(ctx context.Context, cfg Config, prompt Prompt, scope CommandScope) (Request, error) {
	op, err := LookupOperation(cfg.Operation)
	if err != nil {
		return Request{}, err
	}
	codec, ok := p.codecs[cfg.Operation]
	if !ok {
		return Request{}, validationf("Operation %s is not supported by this provider.", cfg.Operation)
	}

	command, err := cfg.ResolveCommand(scope)
	if err != nil {
		return Request{}, err
	}
	body, contentType, err := codec.encode(ctx, p, cfg, prompt, command)
	if err != nil {
		return Request{}, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultOpenAIEndpoint
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.AuthToken)
	header.Set("Accept", "application/json")
	header.Set("Content-Type", contentType)

	return Request{
		URL:    strings.TrimRight(endpoint, "/") + "/" + op.Path(),
		Header: header,
		Body:   body,
	}, nil
}

type chatMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionsBody struct {
	Model            string   `json:"model"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	Prompt           string   `json:"prompt"`
	Stop             []string `json:"stop,omitempty"`
}

type chatCompletionsBody struct {
	Model            string            `json:"model"`
	Temperature      float64           `json:"temperature"`
	TopP             float64           `json:"top_p"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	PresencePenalty  float64           `json:"presence_penalty"`
	FrequencyPenalty float64           `json:"frequency_penalty"`
	Messages         []chatMessageBody `json:"messages"`
}

type editsBody struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Instruction string  `json:"instruction"`
	Input       string  `json:"input"`
}

func encodeCompletions(_ context.Context, _ *openAI, cfg Config, prompt Prompt, command string) ([]byte, string, error) {
	if prompt.Text == "" {
		return nil, "", validationf("Prompt is required.")
	}
	body := completionsBody{
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		MaxTokens:        cfg.MaxTokens,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		Prompt:           command + " " + prompt.Text,
	}
	if cfg.AddRoles {
		body.Stop = []string{" " + roleLabelClient + ":", " " + roleLabelAssistant + ":"}
	}
	return marshalJSONBody(body)
}

func encodeChatCompletions(_ context.Context, _ *openAI, cfg Config, prompt Prompt, _ string) ([]byte, string, error) {
	if len(prompt.Turns) == 0 {
		return nil, "", validationf("Messages are required.")
	}
	// History lookups return newest first; the wire wants chronological order.
	messages := make([]chatMessageBody, 0, len(prompt.Turns))
	for i := len(prompt.Turns) - 1; i >= 0; i-- {
		turn := prompt.Turns[i]
		role := "user"
		if turn.FromMe {
			role = "assistant"
		}
		messages = append(messages, chatMessageBody{Role: role, Content: turn.Text})
	}
	body := chatCompletionsBody{
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		MaxTokens:        cfg.MaxTokens,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		Messages:         messages,
	}
	return marshalJSONBody(body)
}

func encodeEdits(_ context.Context, _ *openAI, cfg Config, prompt Prompt, command string) ([]byte, string, error) {
	if prompt.Text == "" {
		return nil, "", validationf("Prompt is required.")
	}
	body := editsBody{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		Instruction: command,
		Input:       prompt.Text,
	}
	return marshalJSONBody(body)
}

func encodeAudioTranscription(ctx context.Context, p *openAI, cfg Config, prompt Prompt, _ string) ([]byte, string, error) {
	if prompt.Attachment == nil {
		return nil, "", validationf("Attachment is required.")
	}
	att, err := prepareAudio(ctx, *prompt.Attachment, p.transcoder, p.logger)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", cfg.Model); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("temperature", strconv.FormatFloat(cfg.Temperature, 'g', -1, 64)); err != nil {
		return nil, "", err
	}
	fw, err := mw.CreateFormFile("file", att.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(att.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func marshalJSONBody(v any) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

func (p *openAI) ParseResponse(cfg Config, body []byte) (Answer, Usage, error) {
	codec, ok := p.codecs[cfg.Operation]
	if !ok {
		return Answer{}, Usage{}, validationf("Operation %s is not supported by this provider.", cfg.Operation)
	}
	if codec.wrapResponse {
		body = []byte(`{"choices":[` + string(body) + `]}`)
	}

	var resp struct {
		Choices []json.RawMessage `json:"choices"`
		Usage   *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Answer{}, Usage{}, validationf("Provider response could not be decoded: %s", err)
	}

	// Usage accounting happens even when the choice invariant fails below.
	var usage Usage
	if resp.Usage != nil {
		usage = Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	if len(resp.Choices) > 1 {
		return Answer{}, usage, validationf("Multiple choices returned")
	}
	if len(resp.Choices) == 0 {
		return Answer{}, usage, validationf("No choices returned")
	}

	if codec.textAnswer {
		var choice struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(resp.Choices[0], &choice); err != nil {
			return Answer{}, usage, validationf("Provider response could not be decoded: %s", err)
		}
		text := strings.TrimSpace(choice.Text)
		if cfg.AddRoles && cfg.Operation == OpCompletions {
			if idx := strings.Index(text, ":"); idx != -1 {
				text = text[idx+1:]
			}
		}
		return Answer{Text: text}, usage, nil
	}

	var choice struct {
		Message ChatMessage `json:"message"`
	}
	if err := json.Unmarshal(resp.Choices[0], &choice); err != nil {
		return Answer{}, usage, validationf("Provider response could not be decoded: %s", err)
	}
	return Answer{Text: choice.Message.Content, Message: &choice.Message}, usage, nil
}

func (p *openAI) ParseError(statusCode int, body []byte) error {
	message := ""
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		var payload struct {
			Error struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(trimmed, &payload)
		message = payload.Error.Message
		if message == "" && payload.Error.Code != "" {
			message = strings.ToUpper(strings.ReplaceAll(payload.Error.Code, "_", " "))
		}
	} else if len(body) > 0 {
		message = string(body)
	} else if statusCode == http.StatusForbidden {
		message = "Wrong auth token."
	}
	if message == "" {
		message = "An error occurred."
	}
	return &ProviderError{StatusCode: statusCode, Message: message}
}
