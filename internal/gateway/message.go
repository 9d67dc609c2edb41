// Package gateway delivers outbound messages to the chat provider bridge
// (gupshup or apichat.io) over its HTTP API.
package gateway

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ConnectorGupshup = "gupshup"
	ConnectorApichat = "apichat.io"
)

// maxTextLen is the hard ceiling the bridge enforces on message text.
const maxTextLen = 4000

const (
	ButtonQuickReply = "replay"
	ButtonURL        = "url"
	ButtonCall       = "call"
)

// Button is one interactive option attached to a message. URL and Phone are
// meaningful only for their respective types.
type Button struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Text        string `json:"text"`
	URL         string `json:"url,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list options under a title.
type ListSection struct {
	Title   string   `json:"title"`
	Buttons []Button `json:"buttons"`
}

// List is an interactive picker rendered behind a single button.
type List struct {
	Title      string        `json:"title"`
	ButtonText string        `json:"button_text"`
	Sections   []ListSection `json:"items"`
}

// OutMessage is the wire payload for one outbound message. Field presence
// depends on Type: text carries Text, file kinds carry Filename and URL,
// location carries the coordinates.
type OutMessage struct {
	ID        string   `json:"id"`
	To        string   `json:"to"`
	ChatType  string   `json:"chat_type,omitempty"`
	Type      string   `json:"type"`
	Text      string   `json:"text,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	URL       string   `json:"url,omitempty"`
	Address   string   `json:"address,omitempty"`
	Latitude  string   `json:"latitude,omitempty"`
	Longitude string   `json:"longitude,omitempty"`
	Buttons   []Button `json:"buttons,omitempty"`
	List      *List    `json:"list,omitempty"`
}

// ValidationError marks a message the operator must correct before it can be
// delivered. Transport failures are returned as plain errors instead.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the message against the receiving connector's limits.
func (m *OutMessage) Validate(connectorType string) error {
	if len(m.Text) >= maxTextLen {
		return validationf("Message is to large (4.000 caracters).")
	}
	if len(m.Buttons) > 0 && m.List != nil {
		return validationf("Buttons and Lists are not allowed in same message.")
	}
	if len(m.Buttons) > 0 {
		if err := m.validateButtons(connectorType); err != nil {
			return err
		}
	}
	if m.List != nil {
		if err := m.validateList(connectorType); err != nil {
			return err
		}
	}
	switch m.Type {
	case "text":
		if strings.TrimSpace(m.Text) == "" && m.List == nil {
			return validationf("Text is required.")
		}
	case "image", "video", "file", "audio":
		if m.URL == "" {
			return validationf("URL Attachment is required.")
		}
	case "location":
		if m.Latitude == "" || m.Longitude == "" {
			return validationf("Location coordinates are required.")
		}
	default:
		return validationf("Message type %s is not supported.", m.Type)
	}
	return nil
}

func (m *OutMessage) validateButtons(connectorType string) error {
	switch connectorType {
	case ConnectorApichat:
		switch m.Type {
		case "text", "image", "video", "file", "location":
		default:
			return validationf("Button message not supported for type %s", m.Type)
		}
	case ConnectorGupshup:
		switch m.Type {
		case "text", "image", "video", "file":
		default:
			return validationf("Button message not supported for type %s", m.Type)
		}
		for _, btn := range m.Buttons {
			if btn.Type != ButtonQuickReply {
				return validationf("For this connector only quick reply button is allowed.")
			}
		}
		if len(m.Buttons) > 3 {
			return validationf("For this connector only 3 buttons are allowed.")
		}
	default:
		return validationf("Button message not supported")
	}
	seen := make(map[string]struct{}, len(m.Buttons))
	for _, btn := range m.Buttons {
		if len(btn.Text) > 20 {
			return validationf("Text can be till 20 characters.")
		}
		if _, dup := seen[btn.ID]; dup {
			return validationf("Id for buttons must be unique.")
		}
		seen[btn.ID] = struct{}{}
	}
	return nil
}

func (m *OutMessage) validateList(connectorType string) error {
	if connectorType != ConnectorGupshup {
		return validationf("%s message not support lists.", connectorType)
	}
	if m.Type != "text" {
		return validationf("%s message not support lists.", m.Type)
	}
	if m.Text == "" {
		return validationf("Text is required for message with a list.")
	}
	if len(m.Text) > 1024 {
		return validationf("Text may be up 1024 characters for message with a list.")
	}
	if n := len(m.List.Sections); n < 1 || n > 9 {
		return validationf("Items may be up 10 and at least one.")
	}
	for _, section := range m.List.Sections {
		if n := len(section.Buttons); n < 1 || n > 9 {
			return validationf("Options may be up 10 and at least one.")
		}
	}
	return nil
}
