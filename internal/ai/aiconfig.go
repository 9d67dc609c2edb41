package ai

import "fmt"

// ProviderOpenAI is the only provider shipped today.
const ProviderOpenAI = "openai"

// DefaultOpenAIEndpoint is used when a config does not set one.
const DefaultOpenAIEndpoint = "https://api.openai.com/v1"

// Config is one named (provider, operation, model, tunables) combination.
// Created and edited by administrators; the adapter only ever reads it.
type Config struct {
	ID       int64
	Name     string
	Endpoint string
	Provider string

	Operation string
	Model     string
	AuthToken string

	Temperature      float64
	TopP             float64
	MaxTokens        int
	PresencePenalty  float64
	FrequencyPenalty float64

	// MessageNumber is how many recent conversation messages are copied into
	// a chat request. OnlyIncoming limits the copy to client messages.
	MessageNumber int
	OnlyIncoming  bool

	// AddRoles prefixes history lines with role labels and makes the
	// completion stop at the next label.
	AddRoles bool

	// Command is the static instruction sent with the prompt. AdvanceCommand,
	// when set, is a restricted expression evaluated per invocation that
	// replaces it.
	Command        string
	AdvanceCommand string
}

// Validate checks the tunable ranges and required links. Audio transcription
// narrows the temperature range to [0, 1].
func (c Config) Validate() error {
	if _, err := LookupOperation(c.Operation); err != nil {
		return err
	}
	if c.Model == "" {
		return validationf("AI model is required.")
	}
	if c.AuthToken == "" {
		return validationf("Auth token is required.")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return validationf("Temperature must be between %d and %d.", 0, 2)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return validationf("Top_p must be between 0 and 1.")
	}
	if c.MaxTokens < 0 {
		return validationf("Max Tokens must be greater or equal than 0.")
	}
	if c.PresencePenalty < -2 || c.PresencePenalty > 2 {
		return validationf("Presence Penalty must be between -2 and 2.")
	}
	if c.FrequencyPenalty < -2 || c.FrequencyPenalty > 2 {
		return validationf("Frequency Penalty must be between -2 and 2.")
	}
	if c.MessageNumber < 0 {
		return validationf("Messages Number must be greater or equal than 0.")
	}
	if c.Operation == OpAudioTranscriptions && c.Temperature > 1 {
		return validationf("Temperature must be between %d and %d.", 0, 1)
	}
	return nil
}

// CanEditRequestText reports whether the request text can be reviewed before
// the call is made.
func (c Config) CanEditRequestText() bool {
	op, err := LookupOperation(c.Operation)
	if err != nil {
		return true
	}
	return op.Editable
}

// InfoHelp describes what will be sent when the request text is not editable.
func (c Config) InfoHelp() string {
	switch c.Operation {
	case OpChatCompletions:
		return fmt.Sprintf("It will be sent last %d messages.", c.MessageNumber)
	case OpAudioTranscriptions:
		return "Attachment file will be sent."
	default:
		return ""
	}
}
