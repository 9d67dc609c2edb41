package ai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatwire/internal/metrics"
)

const maxResponseBytes = 4 << 20

// HistorySource returns recent conversation turns, newest first.
type HistorySource interface {
	RecentTurns(ctx context.Context, conversationID int64, limit int, onlyIncoming bool) ([]Turn, error)
}

// UsageRecord is the accounting row opened for one invocation. Token counts
// are filled in later, only when the provider reports them.
type UsageRecord struct {
	UserRef        string
	ConversationID *int64
	ConfigID       int64
	Provider       string
	Operation      string
	Model          string
}

// UsageRecorder persists per-invocation token accounting rows.
type UsageRecorder interface {
	CreateUsageLog(ctx context.Context, rec UsageRecord) (string, error)
	SetUsageTokens(ctx context.Context, id string, usage Usage) error
}

// Executor runs one AI invocation: resolve history, build the provider
// request, open the usage row, dispatch, normalize. One prompt in, one
// blocking round trip, one answer or one error out.
type Executor struct {
	history HistorySource
	usage   UsageRecorder
	client  *http.Client
	opts    ProviderOptions
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type ExecutorConfig struct {
	History    HistorySource
	Usage      UsageRecorder
	Transcoder Transcoder
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Executor{
		history: cfg.History,
		usage:   cfg.Usage,
		client:  cfg.HTTPClient,
		opts:    ProviderOptions{Transcoder: cfg.Transcoder, Logger: cfg.Logger},
		logger:  cfg.Logger,
		metrics: m,
	}
}

// ExecuteOptions carry the per-invocation context: attribution, an optional
// conversation to scope history and accounting, and keyword arguments exposed
// to the dynamic command (target_lang, source_lang, ...).
type ExecuteOptions struct {
	UserRef        string
	ConversationID *int64
	Kwargs         map[string]any
}

func (e *Executor) Execute(ctx context.Context, cfg Config, prompt Prompt, opts ExecuteOptions) (Answer, error) {
	if prompt.IsEmpty() && !(cfg.Operation == OpChatCompletions && opts.ConversationID != nil) {
		return Answer{}, validationf("You must provide a prompt.")
	}

	if cfg.Operation == OpChatCompletions && len(prompt.Turns) == 0 && opts.ConversationID != nil {
		if e.history == nil {
			return Answer{}, fmt.Errorf("history source not configured")
		}
		turns, err := e.history.RecentTurns(ctx, *opts.ConversationID, cfg.MessageNumber, cfg.OnlyIncoming)
		if err != nil {
			return Answer{}, fmt.Errorf("load history: %w", err)
		}
		prompt.Turns = turns
	}

	provider, err := NewProvider(cfg.Provider, e.opts)
	if err != nil {
		return Answer{}, err
	}
	scope := CommandScope{Now: time.Now(), User: opts.UserRef, Kwargs: opts.Kwargs}
	req, err := provider.BuildRequest(ctx, cfg, prompt, scope)
	if err != nil {
		return Answer{}, err
	}

	// The usage row is opened before the network call so a failed or
	// interrupted call still leaves an auditable zero-token record.
	logID, err := e.usage.CreateUsageLog(ctx, UsageRecord{
		UserRef:        opts.UserRef,
		ConversationID: opts.ConversationID,
		ConfigID:       cfg.ID,
		Provider:       cfg.Provider,
		Operation:      cfg.Operation,
		Model:          cfg.Model,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("create usage log: %w", err)
	}

	e.metrics.AIRequests.Inc()
	e.logger.Info().Str("url", req.URL).Str("operation", cfg.Operation).Msg("ai request")
	status, body, err := e.dispatch(ctx, req)
	if err != nil {
		e.metrics.AIFailures.Inc()
		return Answer{}, err
	}
	e.logger.Info().Int("status", status).Msg("ai response")

	if status < 200 || status >= 300 {
		e.metrics.AIFailures.Inc()
		return Answer{}, provider.ParseError(status, body)
	}

	answer, usage, parseErr := provider.ParseResponse(cfg, body)
	if !usage.IsZero() {
		if err := e.usage.SetUsageTokens(ctx, logID, usage); err != nil {
			e.logger.Error().Err(err).Str("usage_log_id", logID).Msg("failed to record token usage")
		}
		e.metrics.AITokens.Add(float64(usage.TotalTokens))
	}
	if parseErr != nil {
		e.metrics.AIFailures.Inc()
		return Answer{}, parseErr
	}
	return answer, nil
}

func (e *Executor) dispatch(ctx context.Context, req Request) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = req.Header

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// InitialText assembles recent history into a block of text for pre-filling
// an editable request, optionally labelling each line with its role.
func (e *Executor) InitialText(ctx context.Context, cfg Config, conversationID int64) (string, error) {
	if cfg.MessageNumber <= 0 {
		return "", nil
	}
	if e.history == nil {
		return "", fmt.Errorf("history source not configured")
	}
	turns, err := e.history.RecentTurns(ctx, conversationID, cfg.MessageNumber, cfg.OnlyIncoming)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	lines := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		if cfg.AddRoles {
			label := roleLabelClient
			if turn.FromMe {
				label = roleLabelAssistant
			}
			lines = append(lines, label+": "+turn.Text)
		} else {
			lines = append(lines, turn.Text)
		}
	}
	return strings.Join(lines, "\n"), nil
}
