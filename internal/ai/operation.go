package ai

import (
	"fmt"
	"sort"
	"strings"
)

// Operation keys supported out of the box.
const (
	OpCompletions         = "completions"
	OpChatCompletions     = "chat_completions"
	OpEdits               = "edits"
	OpAudioTranscriptions = "audio_transcriptions"
)

// Operation is one catalog entry. The catalog is effectively static reference
// data: entries are registered at init time and only read afterwards.
type Operation struct {
	Key  string
	Name string
	Help string

	// Editable means the request text can be reviewed and edited before the
	// call is made. Operations that assemble their own input (chat history,
	// attachments) are not editable.
	Editable bool
}

// Path is the provider URL path suffix for the operation.
func (o Operation) Path() string {
	return strings.ReplaceAll(o.Key, "_", "/")
}

var catalog = map[string]Operation{}

// RegisterOperation adds an entry to the catalog. New operation kinds plug in
// here without touching dispatch logic.
func RegisterOperation(op Operation) {
	catalog[op.Key] = op
}

// LookupOperation resolves a catalog key.
func LookupOperation(key string) (Operation, error) {
	op, ok := catalog[key]
	if !ok {
		return Operation{}, fmt.Errorf("%w %q", ErrUnknownOperation, key)
	}
	return op, nil
}

// OperationKeys lists the registered catalog keys, sorted.
func OperationKeys() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	RegisterOperation(Operation{
		Key:      OpCompletions,
		Name:     "Completions",
		Help:     "Completes the given text.",
		Editable: true,
	})
	RegisterOperation(Operation{
		Key:      OpChatCompletions,
		Name:     "Chat Completions",
		Help:     "Sends recent conversation messages and returns the next reply.",
		Editable: false,
	})
	RegisterOperation(Operation{
		Key:      OpEdits,
		Name:     "Edits",
		Help:     "Applies an instruction to the given text.",
		Editable: true,
	})
	RegisterOperation(Operation{
		Key:      OpAudioTranscriptions,
		Name:     "Audio Transcriptions",
		Help:     "Transcribes an audio or video attachment.",
		Editable: false,
	})
}
