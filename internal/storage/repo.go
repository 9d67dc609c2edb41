package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"chatwire/internal/ai"
)

var ErrNotFound = errors.New("not found")

var aiConfigColumns = []string{
	"id", "name", "endpoint", "provider", "operation_key", "model_key", "enc_auth_token",
	"temperature", "top_p", "max_tokens", "presence_penalty", "frequency_penalty",
	"message_number", "only_incoming", "add_roles", "command", "advance_command",
	"active", "created_at",
}

func scanAIConfig(row sq.RowScanner) (AIConfig, error) {
	var c AIConfig
	err := row.Scan(
		&c.ID, &c.Name, &c.Endpoint, &c.Provider, &c.OperationKey, &c.ModelKey, &c.EncAuthToken,
		&c.Temperature, &c.TopP, &c.MaxTokens, &c.PresencePenalty, &c.FrequencyPenalty,
		&c.MessageNumber, &c.OnlyIncoming, &c.AddRoles, &c.Command, &c.AdvanceCommand,
		&c.Active, &c.CreatedAt,
	)
	return c, err
}

func (s *Store) CreateAIConfig(ctx context.Context, c AIConfig) (int64, error) {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Endpoint == "" {
		c.Endpoint = "https://api.openai.com/v1"
	}
	q := s.sql.Insert("ai_configs").
		Columns("name", "endpoint", "provider", "operation_key", "model_key", "enc_auth_token",
			"temperature", "top_p", "max_tokens", "presence_penalty", "frequency_penalty",
			"message_number", "only_incoming", "add_roles", "command", "advance_command", "active").
		Values(c.Name, c.Endpoint, c.Provider, c.OperationKey, c.ModelKey, c.EncAuthToken,
			c.Temperature, c.TopP, c.MaxTokens, c.PresencePenalty, c.FrequencyPenalty,
			c.MessageNumber, c.OnlyIncoming, c.AddRoles, c.Command, c.AdvanceCommand, true)

	if s.driver == "postgres" {
		sqlStr, args, err := q.Suffix("RETURNING id").ToSql()
		if err != nil {
			return 0, fmt.Errorf("build config insert query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert config: %w", err)
		}
		return id, nil
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build config insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("config insert id: %w", err)
	}
	return id, nil
}

func (s *Store) GetAIConfig(ctx context.Context, id int64) (AIConfig, error) {
	q := s.sql.Select(aiConfigColumns...).From("ai_configs").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AIConfig{}, fmt.Errorf("build config query: %w", err)
	}
	c, err := scanAIConfig(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AIConfig{}, ErrNotFound
		}
		return AIConfig{}, fmt.Errorf("get config: %w", err)
	}
	return c, nil
}

func (s *Store) ListAIConfigs(ctx context.Context) ([]AIConfig, error) {
	q := s.sql.Select(aiConfigColumns...).From("ai_configs").
		Where(sq.Eq{"active": true}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list configs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	out := make([]AIConfig, 0)
	for rows.Next() {
		c, err := scanAIConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAIConfig(ctx context.Context, id int64) error {
	q := s.sql.Delete("ai_configs").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete config query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListOperations(ctx context.Context) ([]Operation, error) {
	q := s.sql.Select("key", "name", "help").From("ai_operations").OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list operations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]Operation, 0)
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.Key, &op.Name, &op.Help); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	q := s.sql.Insert("ai_models").
		Columns("key", "operation_key").
		Values(m.Key, m.OperationKey).
		Suffix("ON CONFLICT(key, operation_key) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build model upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

func (s *Store) ListModels(ctx context.Context, operationKey string) ([]Model, error) {
	q := s.sql.Select("key", "operation_key").From("ai_models").
		Where(sq.Eq{"operation_key": operationKey}).
		OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]Model, 0)
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.Key, &m.OperationKey); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateUsageLog opens an accounting row for one invocation. Implements
// ai.UsageRecorder.
func (s *Store) CreateUsageLog(ctx context.Context, rec ai.UsageRecord) (string, error) {
	id := uuid.NewString()
	q := s.sql.Insert("ai_usage_logs").
		Columns("id", "user_ref", "conversation_id", "config_id", "provider", "operation_key", "model_key").
		Values(id, rec.UserRef, rec.ConversationID, nullableID(rec.ConfigID), rec.Provider, rec.Operation, rec.Model)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build usage insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("insert usage log: %w", err)
	}
	return id, nil
}

// SetUsageTokens fills in the token counts after a successful decode.
// Implements ai.UsageRecorder.
func (s *Store) SetUsageTokens(ctx context.Context, id string, usage ai.Usage) error {
	q := s.sql.Update("ai_usage_logs").
		Set("sent_tokens", usage.PromptTokens).
		Set("response_tokens", usage.CompletionTokens).
		Set("total_tokens", usage.TotalTokens).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update usage log: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetUsageLog(ctx context.Context, id string) (UsageLog, error) {
	q := s.sql.Select("id", "user_ref", "conversation_id", "config_id", "provider",
		"operation_key", "model_key", "sent_tokens", "response_tokens", "total_tokens", "created_at").
		From("ai_usage_logs").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageLog{}, fmt.Errorf("build usage query: %w", err)
	}
	l, err := scanUsageLog(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageLog{}, ErrNotFound
		}
		return UsageLog{}, fmt.Errorf("get usage log: %w", err)
	}
	return l, nil
}

func (s *Store) ListUsageLogs(ctx context.Context, conversationID *int64, limit uint64) ([]UsageLog, error) {
	q := s.sql.Select("id", "user_ref", "conversation_id", "config_id", "provider",
		"operation_key", "model_key", "sent_tokens", "response_tokens", "total_tokens", "created_at").
		From("ai_usage_logs").
		OrderBy("created_at DESC")
	if conversationID != nil {
		q = q.Where(sq.Eq{"conversation_id": *conversationID})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	defer rows.Close()

	out := make([]UsageLog, 0)
	for rows.Next() {
		l, err := scanUsageLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanUsageLog(row sq.RowScanner) (UsageLog, error) {
	var l UsageLog
	var convID, configID sql.NullInt64
	err := row.Scan(&l.ID, &l.UserRef, &convID, &configID, &l.Provider,
		&l.OperationKey, &l.ModelKey, &l.SentTokens, &l.ResponseTokens, &l.TotalTokens, &l.CreatedAt)
	if err != nil {
		return UsageLog{}, err
	}
	if convID.Valid {
		l.ConversationID = &convID.Int64
	}
	if configID.Valid {
		l.ConfigID = &configID.Int64
	}
	return l, nil
}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) (int64, error) {
	q := s.sql.Insert("conversations").
		Columns("name", "number", "connector_type").
		Values(c.Name, c.Number, c.ConnectorType)
	if s.driver == "postgres" {
		sqlStr, args, err := q.Suffix("RETURNING id").ToSql()
		if err != nil {
			return 0, fmt.Errorf("build conversation insert query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert conversation: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build conversation insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	q := s.sql.Select("id", "name", "number", "connector_type", "created_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build conversation query: %w", err)
	}
	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.Name, &c.Number, &c.ConnectorType, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	if m.Type == "" {
		m.Type = "text"
	}
	cols := []string{"conversation_id", "from_me", "ttype", "text", "filename", "mimetype", "media"}
	vals := []any{m.ConversationID, m.FromMe, m.Type, m.Text, m.Filename, m.Mimetype, m.Media}
	if !m.DateMessage.IsZero() {
		cols = append(cols, "date_message")
		vals = append(vals, m.DateMessage)
	}
	q := s.sql.Insert("messages").Columns(cols...).Values(vals...)
	if s.driver == "postgres" {
		sqlStr, args, err := q.Suffix("RETURNING id").ToSql()
		if err != nil {
			return 0, fmt.Errorf("build message insert query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build message insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

var messageColumns = []string{
	"id", "conversation_id", "from_me", "ttype", "text", "filename", "mimetype", "media",
	"transcription", "translation", "error_msg", "sent_msgid", "date_message",
}

func scanMessage(row sq.RowScanner) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.FromMe, &m.Type, &m.Text, &m.Filename,
		&m.Mimetype, &m.Media, &m.Transcription, &m.Translation, &m.ErrorMsg, &m.SentMsgID, &m.DateMessage)
	return m, err
}

func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	q := s.sql.Select(messageColumns...).From("messages").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message query: %w", err)
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) setMessageField(ctx context.Context, id int64, field, value string) error {
	q := s.sql.Update("messages").Set(field, value).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build message update query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetMessageTranscription(ctx context.Context, id int64, text string) error {
	return s.setMessageField(ctx, id, "transcription", text)
}

func (s *Store) SetMessageTranslation(ctx context.Context, id int64, text string) error {
	return s.setMessageField(ctx, id, "translation", text)
}

func (s *Store) SetMessageError(ctx context.Context, id int64, msg string) error {
	return s.setMessageField(ctx, id, "error_msg", msg)
}

func (s *Store) SetMessageSentID(ctx context.Context, id int64, msgid string) error {
	return s.setMessageField(ctx, id, "sent_msgid", msgid)
}

// RecentMessages returns the latest messages of a conversation, newest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, ttype string, limit int, onlyIncoming bool) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := s.sql.Select(messageColumns...).From("messages").
		Where(sq.Eq{"conversation_id": conversationID, "ttype": ttype}).
		OrderBy("date_message DESC", "id DESC").
		Limit(uint64(limit))
	if onlyIncoming {
		q = q.Where(sq.Eq{"from_me": false})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentTurns maps recent text messages into conversation turns, newest
// first. Implements ai.HistorySource.
func (s *Store) RecentTurns(ctx context.Context, conversationID int64, limit int, onlyIncoming bool) ([]ai.Turn, error) {
	messages, err := s.RecentMessages(ctx, conversationID, "text", limit, onlyIncoming)
	if err != nil {
		return nil, err
	}
	turns := make([]ai.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, ai.Turn{FromMe: m.FromMe, Text: m.Text})
	}
	return turns, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
