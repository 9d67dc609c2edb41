package ai

import (
	"errors"
	"testing"
)

func validConfig(operation string) Config {
	cfg := baseConfig(operation)
	return cfg
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"temperature low", func(c *Config) { c.Temperature = -0.1 }, "Temperature must be between 0 and 2."},
		{"temperature high", func(c *Config) { c.Temperature = 2.1 }, "Temperature must be between 0 and 2."},
		{"top_p", func(c *Config) { c.TopP = 1.5 }, "Top_p must be between 0 and 1."},
		{"max tokens", func(c *Config) { c.MaxTokens = -1 }, "Max Tokens must be greater or equal than 0."},
		{"presence penalty", func(c *Config) { c.PresencePenalty = 2.5 }, "Presence Penalty must be between -2 and 2."},
		{"frequency penalty", func(c *Config) { c.FrequencyPenalty = -2.5 }, "Frequency Penalty must be between -2 and 2."},
		{"message number", func(c *Config) { c.MessageNumber = -1 }, "Messages Number must be greater or equal than 0."},
		{"model required", func(c *Config) { c.Model = "" }, "AI model is required."},
		{"token required", func(c *Config) { c.AuthToken = "" }, "Auth token is required."},
	}
	for _, tc := range cases {
		cfg := validConfig(OpCompletions)
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || err.Error() != tc.want {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidateBoundariesAccepted(t *testing.T) {
	cfg := validConfig(OpCompletions)
	cfg.Temperature = 2
	cfg.TopP = 0
	cfg.PresencePenalty = -2
	cfg.FrequencyPenalty = 2
	cfg.MaxTokens = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("boundary values must validate: %v", err)
	}
}

func TestValidateAudioNarrowsTemperature(t *testing.T) {
	cfg := validConfig(OpAudioTranscriptions)
	cfg.Temperature = 1.5
	err := cfg.Validate()
	if err == nil || err.Error() != "Temperature must be between 0 and 1." {
		t.Fatalf("expected narrowed range error, got %v", err)
	}

	cfg.Temperature = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("temperature 1 must validate for audio: %v", err)
	}
}

func TestValidateUnknownOperation(t *testing.T) {
	cfg := validConfig("moderations")
	err := cfg.Validate()
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected unknown operation error, got %v", err)
	}
}

func TestCanEditRequestText(t *testing.T) {
	cases := map[string]bool{
		OpCompletions:         true,
		OpEdits:               true,
		OpChatCompletions:     false,
		OpAudioTranscriptions: false,
	}
	for op, want := range cases {
		cfg := validConfig(op)
		if got := cfg.CanEditRequestText(); got != want {
			t.Fatalf("%s: expected editable=%v, got %v", op, want, got)
		}
	}
}

func TestInfoHelp(t *testing.T) {
	cfg := validConfig(OpChatCompletions)
	cfg.MessageNumber = 7
	if got := cfg.InfoHelp(); got != "It will be sent last 7 messages." {
		t.Fatalf("unexpected help %q", got)
	}
	cfg = validConfig(OpAudioTranscriptions)
	if got := cfg.InfoHelp(); got != "Attachment file will be sent." {
		t.Fatalf("unexpected help %q", got)
	}
}
