package ai

// Turn is one prior conversation message.
type Turn struct {
	FromMe bool
	Text   string
}

// Attachment is a binary prompt payload.
type Attachment struct {
	Name     string
	Mimetype string
	Data     []byte
}

// Prompt is the ephemeral input of one invocation: a plain instruction string,
// prior conversation turns (newest first, as history lookups return them), or
// a binary attachment. Exactly one of the three is expected to be set.
type Prompt struct {
	Text       string
	Turns      []Turn
	Attachment *Attachment
}

func TextPrompt(text string) Prompt {
	return Prompt{Text: text}
}

func TurnsPrompt(turns []Turn) Prompt {
	return Prompt{Turns: turns}
}

func AttachmentPrompt(att Attachment) Prompt {
	return Prompt{Attachment: &att}
}

func (p Prompt) IsEmpty() bool {
	return p.Text == "" && len(p.Turns) == 0 && p.Attachment == nil
}
