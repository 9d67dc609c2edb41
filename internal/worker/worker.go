// Package worker drains the media job stream: audio transcriptions and text
// translations that are too slow to run inside an HTTP handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatwire/internal/ai"
	"chatwire/internal/crypto"
	"chatwire/internal/metrics"
	"chatwire/internal/queue"
	"chatwire/internal/storage"
)

type Worker struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	dedupe        *queue.JobDeduplicator
	keyring       *crypto.Keyring
	executor      *ai.Executor
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Dedupe        *queue.JobDeduplicator
	Keyring       *crypto.Keyring
	Executor      *ai.Executor
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		dedupe:        cfg.Dedupe,
		keyring:       cfg.Keyring,
		executor:      cfg.Executor,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				w.release(ctx, msg.Job)
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, &msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			w.markFailed(ctx, msg.Job, "AI provider error. Please try again later.")
			w.release(ctx, msg.Job)
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// processJob runs one AI pass. A nil return means the job reached a terminal
// state, success or operator error; only infrastructure failures propagate
// and trigger a retry.
func (w *Worker) processJob(ctx context.Context, job queue.MediaJob) error {
	msg, err := w.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.logger.Warn().Int64("message_id", job.MessageID).Msg("message gone, dropping job")
			return nil
		}
		return err
	}

	row, err := w.store.GetAIConfig(ctx, job.ConfigID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.markFailed(ctx, job, "AI configuration was deleted.")
			return nil
		}
		return err
	}
	cfg, err := row.RuntimeConfig(w.keyring.DecryptString)
	if err != nil {
		return err
	}

	switch job.Kind {
	case queue.JobTranscribe:
		return w.transcribe(ctx, cfg, msg, job)
	case queue.JobTranslate:
		return w.translate(ctx, cfg, msg, job)
	default:
		w.logger.Warn().Str("kind", job.Kind).Str("job_id", job.JobID).Msg("unknown job kind, dropping")
		return nil
	}
}

func (w *Worker) transcribe(ctx context.Context, cfg ai.Config, msg storage.Message, job queue.MediaJob) error {
	if len(msg.Media) == 0 {
		w.markFailed(ctx, job, "Attachment is required.")
		return nil
	}

	prompt := ai.AttachmentPrompt(ai.Attachment{
		Name:     msg.Filename,
		Mimetype: msg.Mimetype,
		Data:     msg.Media,
	})
	answer, err := w.executor.Execute(ctx, cfg, prompt, ai.ExecuteOptions{
		UserRef:        job.UserRef,
		ConversationID: &msg.ConversationID,
	})
	if err != nil {
		if ai.IsValidation(err) || ai.IsProvider(err) {
			w.markFailed(ctx, job, err.Error())
			return nil
		}
		return err
	}

	if err := w.store.SetMessageTranscription(ctx, msg.ID, answer.Text); err != nil {
		return fmt.Errorf("store transcription: %w", err)
	}
	return nil
}

func (w *Worker) translate(ctx context.Context, cfg ai.Config, msg storage.Message, job queue.MediaJob) error {
	text := msg.Text
	if msg.Type != "text" && msg.Transcription != "" {
		text = msg.Transcription
	}
	if strings.TrimSpace(text) == "" {
		w.markFailed(ctx, job, "Text is required.")
		return nil
	}

	kwargs := map[string]any{}
	if job.TargetLang != "" {
		kwargs["target_lang"] = job.TargetLang
	}
	if job.SourceLang != "" {
		kwargs["source_lang"] = job.SourceLang
	}
	answer, err := w.executor.Execute(ctx, cfg, ai.TextPrompt(text), ai.ExecuteOptions{
		UserRef:        job.UserRef,
		ConversationID: &msg.ConversationID,
		Kwargs:         kwargs,
	})
	if err != nil {
		if ai.IsValidation(err) || ai.IsProvider(err) {
			w.markFailed(ctx, job, err.Error())
			return nil
		}
		return err
	}

	if err := w.store.SetMessageTranslation(ctx, msg.ID, answer.Text); err != nil {
		return fmt.Errorf("store translation: %w", err)
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, job queue.MediaJob, reason string) {
	if err := w.store.SetMessageError(ctx, job.MessageID, reason); err != nil {
		w.logger.Error().Err(err).Int64("message_id", job.MessageID).Msg("failed to record job error")
	}
}

func (w *Worker) release(ctx context.Context, job queue.MediaJob) {
	if w.dedupe == nil {
		return
	}
	if err := w.dedupe.Clear(ctx, job.MessageID, job.Kind); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to clear dedupe guard")
	}
}
