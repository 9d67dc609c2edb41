// Package codec converts media attachments into containers the transcription
// endpoint accepts, shelling out to ffmpeg.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FFmpeg runs a local ffmpeg binary over temp files. The zero value is not
// usable; construct with NewFFmpeg.
type FFmpeg struct {
	binary string
	logger zerolog.Logger
}

func NewFFmpeg(binary string, logger zerolog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary, logger: logger}
}

// Available reports whether the configured binary can be resolved. Callers
// use it to decide between failing fast and attempting a conversion.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.binary)
	return err == nil
}

// Transcode rewrites data from sourceExt into targetFormat and returns the
// converted bytes. Implements ai.Transcoder.
func (f *FFmpeg) Transcode(ctx context.Context, data []byte, sourceExt, targetFormat string) ([]byte, error) {
	sourceExt = strings.TrimPrefix(strings.ToLower(sourceExt), ".")
	if sourceExt == "" {
		sourceExt = "bin"
	}

	dir, err := os.MkdirTemp("", "chatwire-codec-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in."+sourceExt)
	out := filepath.Join(dir, "out."+targetFormat)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write source file: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.binary, "-hide_banner", "-loglevel", "error", "-y", "-i", in, out)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		f.logger.Debug().
			Str("source_ext", sourceExt).
			Str("target", targetFormat).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("ffmpeg conversion failed")
		return nil, fmt.Errorf("run ffmpeg: %w", err)
	}

	converted, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read converted file: %w", err)
	}
	return converted, nil
}
