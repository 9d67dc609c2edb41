package ai

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// allowedAudioFormats are the container extensions the provider accepts for
// transcription.
var allowedAudioFormats = []string{"mp3", "mp4", "mpeg", "mpga", "m4a", "wav", "webm"}

// Transcoder re-encodes raw media bytes from one container into another.
// It is an optional collaborator; any failure here is soft and the format
// check below decides the outcome.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, sourceExt, targetFormat string) ([]byte, error)
}

func extensionOf(name string) string {
	parts := strings.Split(strings.TrimSpace(name), ".")
	return parts[len(parts)-1]
}

func formatAllowed(ext string) bool {
	for _, f := range allowedAudioFormats {
		if ext == f {
			return true
		}
	}
	return false
}

// prepareAudio validates a transcription attachment and, when the container
// is not accepted, attempts a best-effort re-encode (audio to wav, video to
// mp4) before re-checking the extension.
func prepareAudio(ctx context.Context, att Attachment, tc Transcoder, logger zerolog.Logger) (Attachment, error) {
	if strings.TrimSpace(att.Name) == "" {
		return Attachment{}, validationf("Filename is required.")
	}
	kind := strings.SplitN(att.Mimetype, "/", 2)[0]
	if kind != "audio" && kind != "video" {
		return Attachment{}, validationf("It can only transcribe audio or video attachment.")
	}
	att.Name = strings.TrimSpace(att.Name)
	if ext := extensionOf(att.Name); !formatAllowed(ext) && tc != nil {
		target, name := "wav", "audio.wav"
		if kind == "video" {
			target, name = "mp4", "video.mp4"
		}
		data, err := tc.Transcode(ctx, att.Data, ext, target)
		if err != nil {
			logger.Error().Err(err).Str("filename", att.Name).Msg("audio transcode failed")
		} else {
			att.Data = data
			att.Name = name
		}
	}
	if !formatAllowed(extensionOf(att.Name)) {
		return Attachment{}, validationf("Only %s formats are allowed. Install an audio codec "+
			"tool (ffmpeg) to convert other containers.", strings.Join(allowedAudioFormats, ", "))
	}
	return att, nil
}
