package storage

import (
	"fmt"
	"time"

	"chatwire/internal/ai"
)

// AIConfig is the persisted form of an AI configuration. The auth token is
// stored encrypted; callers decrypt it before building an ai.Config.
type AIConfig struct {
	ID               int64
	Name             string
	Endpoint         string
	Provider         string
	OperationKey     string
	ModelKey         string
	EncAuthToken     string
	Temperature      float64
	TopP             float64
	MaxTokens        int
	PresencePenalty  float64
	FrequencyPenalty float64
	MessageNumber    int
	OnlyIncoming     bool
	AddRoles         bool
	Command          string
	AdvanceCommand   string
	Active           bool
	CreatedAt        time.Time
}

// RuntimeConfig builds the in-memory config the executor consumes. decrypt
// recovers the plaintext auth token; pass nil when the row stores none.
func (c AIConfig) RuntimeConfig(decrypt func(string) (string, error)) (ai.Config, error) {
	token := ""
	if c.EncAuthToken != "" {
		if decrypt == nil {
			return ai.Config{}, fmt.Errorf("config %d: auth token is encrypted but no decryptor given", c.ID)
		}
		plain, err := decrypt(c.EncAuthToken)
		if err != nil {
			return ai.Config{}, fmt.Errorf("config %d: decrypt auth token: %w", c.ID, err)
		}
		token = plain
	}
	return ai.Config{
		ID:               c.ID,
		Name:             c.Name,
		Endpoint:         c.Endpoint,
		Provider:         c.Provider,
		Operation:        c.OperationKey,
		Model:            c.ModelKey,
		AuthToken:        token,
		Temperature:      c.Temperature,
		TopP:             c.TopP,
		MaxTokens:        c.MaxTokens,
		PresencePenalty:  c.PresencePenalty,
		FrequencyPenalty: c.FrequencyPenalty,
		MessageNumber:    c.MessageNumber,
		OnlyIncoming:     c.OnlyIncoming,
		AddRoles:         c.AddRoles,
		Command:          c.Command,
		AdvanceCommand:   c.AdvanceCommand,
	}, nil
}

// Operation is static catalog reference data, seeded at migration time.
type Operation struct {
	Key  string
	Name string
	Help string
}

// Model is one provider model identifier scoped to an operation.
type Model struct {
	Key          string
	OperationKey string
}

// UsageLog is one row per AI invocation attempt that reached the transport
// stage. Provider, operation and model are denormalized so the audit trail
// survives config deletion.
type UsageLog struct {
	ID             string
	UserRef        string
	ConversationID *int64
	ConfigID       *int64
	Provider       string
	OperationKey   string
	ModelKey       string
	SentTokens     int
	ResponseTokens int
	TotalTokens    int
	CreatedAt      time.Time
}

type Conversation struct {
	ID            int64
	Name          string
	Number        string
	ConnectorType string
	CreatedAt     time.Time
}

type Message struct {
	ID             int64
	ConversationID int64
	FromMe         bool
	Type           string
	Text           string
	Filename       string
	Mimetype       string
	Media          []byte
	Transcription  string
	Translation    string
	ErrorMsg       string
	SentMsgID      string
	DateMessage    time.Time
}
