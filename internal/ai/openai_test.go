package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"
)

func testProvider(t *testing.T) Provider {
	t.Helper()
	p, err := NewProvider(ProviderOpenAI, ProviderOptions{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func baseConfig(operation string) Config {
	return Config{
		ID:          1,
		Name:        "test",
		Endpoint:    "https://api.openai.com/v1/",
		Provider:    ProviderOpenAI,
		Operation:   operation,
		Model:       "gpt-4o-mini",
		AuthToken:   "tok-123",
		Temperature: 0.7,
		TopP:        1,
		MaxTokens:   256,
	}
}

func TestBuildRequestCompletions(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpCompletions)
	cfg.Command = "Answer politely."
	cfg.AddRoles = true

	req, err := p.BuildRequest(context.Background(), cfg, TextPrompt("hello there"), CommandScope{})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.URL != "https://api.openai.com/v1/completions" {
		t.Fatalf("unexpected url %q", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Fatalf("unexpected auth header %q", got)
	}
	if got := req.Header.Get("Accept"); got != "application/json" {
		t.Fatalf("unexpected accept header %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["prompt"] != "Answer politely. hello there" {
		t.Fatalf("unexpected prompt %#v", payload["prompt"])
	}
	if payload["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected model %#v", payload["model"])
	}
	stop, ok := payload["stop"].([]any)
	if !ok || len(stop) != 2 || stop[0] != " Client:" || stop[1] != " Assistant:" {
		t.Fatalf("unexpected stop list %#v", payload["stop"])
	}
}

func TestBuildRequestChatCompletionsReversesHistory(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpChatCompletions)

	// Turns arrive newest first.
	prompt := TurnsPrompt([]Turn{
		{FromMe: false, Text: "and this?"},
		{FromMe: true, Text: "sure"},
		{FromMe: false, Text: "can you help"},
	})
	req, err := p.BuildRequest(context.Background(), cfg, prompt, CommandScope{})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.URL != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected url %q", req.URL)
	}

	var payload struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(payload.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[0].Content != "can you help" || payload.Messages[0].Role != "user" {
		t.Fatalf("unexpected first message %+v", payload.Messages[0])
	}
	if payload.Messages[1].Content != "sure" || payload.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected second message %+v", payload.Messages[1])
	}
	if payload.Messages[2].Content != "and this?" || payload.Messages[2].Role != "user" {
		t.Fatalf("unexpected third message %+v", payload.Messages[2])
	}
}

func TestBuildRequestEditsOmitsMaxTokens(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpEdits)
	cfg.Command = "Fix the grammar."

	req, err := p.BuildRequest(context.Background(), cfg, TextPrompt("he go home"), CommandScope{})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.URL != "https://api.openai.com/v1/edits" {
		t.Fatalf("unexpected url %q", req.URL)
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["instruction"] != "Fix the grammar." {
		t.Fatalf("unexpected instruction %#v", payload["instruction"])
	}
	if payload["input"] != "he go home" {
		t.Fatalf("unexpected input %#v", payload["input"])
	}
	for _, forbidden := range []string{"max_tokens", "presence_penalty", "frequency_penalty", "prompt"} {
		if _, ok := payload[forbidden]; ok {
			t.Fatalf("field %q must not be sent for edits", forbidden)
		}
	}
}

func TestBuildRequestAudioMultipart(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpAudioTranscriptions)
	cfg.Temperature = 0.5

	prompt := AttachmentPrompt(Attachment{
		Name:     "voice.mp3",
		Mimetype: "audio/mpeg",
		Data:     []byte("fake-audio"),
	})
	req, err := p.BuildRequest(context.Background(), cfg, prompt, CommandScope{})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.URL != "https://api.openai.com/v1/audio/transcriptions" {
		t.Fatalf("unexpected url %q", req.URL)
	}

	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("unexpected content type %q (%v)", req.Header.Get("Content-Type"), err)
	}

	mr := multipart.NewReader(bytes.NewReader(req.Body), params["boundary"])
	fields := map[string]string{}
	var filename string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "file" {
			filename = part.FileName()
		}
		fields[part.FormName()] = string(data)
	}
	if fields["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected model field %q", fields["model"])
	}
	if fields["temperature"] != "0.5" {
		t.Fatalf("unexpected temperature field %q", fields["temperature"])
	}
	if filename != "voice.mp3" || fields["file"] != "fake-audio" {
		t.Fatalf("unexpected file part name=%q data=%q", filename, fields["file"])
	}
	for _, forbidden := range []string{"top_p", "max_tokens", "prompt"} {
		if _, ok := fields[forbidden]; ok {
			t.Fatalf("field %q must not be sent for transcription", forbidden)
		}
	}
}

func TestBuildRequestUnknownOperation(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig("embeddings")
	_, err := p.BuildRequest(context.Background(), cfg, TextPrompt("x"), CommandScope{})
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestParseResponseSingleChoice(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpCompletions)

	body := []byte(`{"choices":[{"text":"  an answer  "}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	answer, usage, err := p.ParseResponse(cfg, body)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if answer.Text != "an answer" {
		t.Fatalf("unexpected answer %q", answer.Text)
	}
	if usage.PromptTokens != 10 || usage.CompletionTokens != 5 || usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestParseResponseStripsRoleLabel(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpCompletions)
	cfg.AddRoles = true

	body := []byte(`{"choices":[{"text":" Assistant: the reply"}]}`)
	answer, _, err := p.ParseResponse(cfg, body)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if answer.Text != " the reply" {
		t.Fatalf("unexpected answer %q", answer.Text)
	}
}

func TestParseResponseChoiceInvariant(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpCompletions)

	_, usage, err := p.ParseResponse(cfg, []byte(`{"choices":[{"text":"a"},{"text":"b"}],"usage":{"total_tokens":3}}`))
	if err == nil || err.Error() != "Multiple choices returned" {
		t.Fatalf("expected multiple-choice error, got %v", err)
	}
	if usage.TotalTokens != 3 {
		t.Fatalf("usage must survive the invariant failure, got %+v", usage)
	}

	_, _, err = p.ParseResponse(cfg, []byte(`{"choices":[]}`))
	if err == nil || err.Error() != "No choices returned" {
		t.Fatalf("expected no-choice error, got %v", err)
	}
}

func TestParseResponseChatMessage(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpChatCompletions)

	body := []byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	answer, _, err := p.ParseResponse(cfg, body)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if answer.Text != "hi there" {
		t.Fatalf("unexpected text %q", answer.Text)
	}
	if answer.Message == nil || answer.Message.Role != "assistant" || answer.Message.Content != "hi there" {
		t.Fatalf("unexpected structured message %+v", answer.Message)
	}
}

func TestParseResponseAudioWrapsBody(t *testing.T) {
	p := testProvider(t)
	cfg := baseConfig(OpAudioTranscriptions)

	answer, usage, err := p.ParseResponse(cfg, []byte(`{"text":"spoken words"}`))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if answer.Text != "spoken words" {
		t.Fatalf("unexpected answer %q", answer.Text)
	}
	if !usage.IsZero() {
		t.Fatalf("transcription reports no usage, got %+v", usage)
	}
}

func TestParseError(t *testing.T) {
	p := testProvider(t)

	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", 400, `{"error":{"message":"bad model","code":"x"}}`, "bad model"},
		{"code fallback", 400, `{"error":{"code":"invalid_api_key"}}`, "INVALID API KEY"},
		{"json without error", 400, `[1,2]`, "An error occurred."},
		{"plain text body", 500, "gateway exploded", "gateway exploded"},
		{"forbidden empty body", 403, "", "Wrong auth token."},
		{"empty body", 500, "", "An error occurred."},
	}
	for _, tc := range cases {
		err := p.ParseError(tc.status, []byte(tc.body))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, err.Error())
		}
		if !IsProvider(err) {
			t.Fatalf("%s: expected provider error, got %T", tc.name, err)
		}
	}
}
