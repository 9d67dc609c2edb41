package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatwire/internal/ai"
	"chatwire/internal/gateway"
	"chatwire/internal/queue"
	"chatwire/internal/storage"
)

const maxAttachmentBytes = 25 << 20

func (s *Server) listOperations(c *gin.Context) {
	ops, err := s.store.ListOperations(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) listModels(c *gin.Context) {
	key := c.Param("key")
	if _, err := ai.LookupOperation(key); err != nil {
		s.writeError(c, err)
		return
	}
	models, err := s.store.ListModels(c.Request.Context(), key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

type configRequest struct {
	Name             string  `json:"name"`
	Endpoint         string  `json:"endpoint"`
	Provider         string  `json:"provider"`
	Operation        string  `json:"operation"`
	Model            string  `json:"model"`
	AuthToken        string  `json:"auth_token"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	MaxTokens        int     `json:"max_tokens"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	MessageNumber    int     `json:"message_number"`
	OnlyIncoming     bool    `json:"only_incoming"`
	AddRoles         bool    `json:"add_roles"`
	Command          string  `json:"command"`
	AdvanceCommand   string  `json:"advance_command"`
}

func (s *Server) createConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Provider == "" {
		req.Provider = ai.ProviderOpenAI
	}
	if req.Endpoint == "" {
		req.Endpoint = ai.DefaultOpenAIEndpoint
	}

	runtime := ai.Config{
		Name:             req.Name,
		Endpoint:         req.Endpoint,
		Provider:         req.Provider,
		Operation:        req.Operation,
		Model:            req.Model,
		AuthToken:        req.AuthToken,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		MessageNumber:    req.MessageNumber,
		OnlyIncoming:     req.OnlyIncoming,
		AddRoles:         req.AddRoles,
		Command:          req.Command,
		AdvanceCommand:   req.AdvanceCommand,
	}
	if err := runtime.Validate(); err != nil {
		s.writeError(c, err)
		return
	}

	encToken, err := s.keyring.EncryptString(req.AuthToken)
	if err != nil {
		s.writeError(c, err)
		return
	}

	id, err := s.store.CreateAIConfig(c.Request.Context(), storage.AIConfig{
		Name:             req.Name,
		Endpoint:         req.Endpoint,
		Provider:         req.Provider,
		OperationKey:     req.Operation,
		ModelKey:         req.Model,
		EncAuthToken:     encToken,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		MessageNumber:    req.MessageNumber,
		OnlyIncoming:     req.OnlyIncoming,
		AddRoles:         req.AddRoles,
		Command:          req.Command,
		AdvanceCommand:   req.AdvanceCommand,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type configView struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Endpoint      string  `json:"endpoint"`
	Provider      string  `json:"provider"`
	Operation     string  `json:"operation"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	MaxTokens     int     `json:"max_tokens"`
	MessageNumber int     `json:"message_number"`
	OnlyIncoming  bool    `json:"only_incoming"`
	AddRoles      bool    `json:"add_roles"`
	Command       string  `json:"command"`
}

func (s *Server) listConfigs(c *gin.Context) {
	rows, err := s.store.ListAIConfigs(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]configView, 0, len(rows))
	for _, row := range rows {
		out = append(out, configView{
			ID:            row.ID,
			Name:          row.Name,
			Endpoint:      row.Endpoint,
			Provider:      row.Provider,
			Operation:     row.OperationKey,
			Model:         row.ModelKey,
			Temperature:   row.Temperature,
			TopP:          row.TopP,
			MaxTokens:     row.MaxTokens,
			MessageNumber: row.MessageNumber,
			OnlyIncoming:  row.OnlyIncoming,
			AddRoles:      row.AddRoles,
			Command:       row.Command,
		})
	}
	c.JSON(http.StatusOK, gin.H{"configs": out})
}

func (s *Server) deleteConfig(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteAIConfig(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) configEditable(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	row, err := s.store.GetAIConfig(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	cfg, err := row.RuntimeConfig(s.keyring.DecryptString)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{
		"editable": cfg.CanEditRequestText(),
		"help":     cfg.InfoHelp(),
	}
	if raw := c.Query("conversation_id"); raw != "" && cfg.CanEditRequestText() {
		convID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id"})
			return
		}
		initial, err := s.executor.InitialText(c.Request.Context(), cfg, convID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		resp["initial_text"] = initial
	}
	c.JSON(http.StatusOK, resp)
}

type executeRequest struct {
	Text           string         `json:"text"`
	ConversationID *int64         `json:"conversation_id"`
	UserRef        string         `json:"user_ref"`
	Kwargs         map[string]any `json:"kwargs"`
}

func (s *Server) executeConfig(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	row, err := s.store.GetAIConfig(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	cfg, err := row.RuntimeConfig(s.keyring.DecryptString)
	if err != nil {
		s.writeError(c, err)
		return
	}

	var req executeRequest
	var prompt ai.Prompt
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req.Text = c.PostForm("text")
		req.UserRef = c.PostForm("user_ref")
		if raw := c.PostForm("conversation_id"); raw != "" {
			convID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id"})
				return
			}
			req.ConversationID = &convID
		}
		att, err := readAttachment(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if att != nil {
			prompt = ai.AttachmentPrompt(*att)
		} else {
			prompt = ai.TextPrompt(req.Text)
		}
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		prompt = ai.TextPrompt(req.Text)
	}

	if req.ConversationID != nil && s.limiter != nil {
		allowed, used, resetAt, err := s.limiter.Allow(c.Request.Context(), *req.ConversationID, time.Now())
		if err != nil {
			s.writeError(c, err)
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":    "rate limit exceeded",
				"used":     used,
				"reset_at": resetAt.UTC().Format(time.RFC3339),
			})
			return
		}
	}

	answer, err := s.executor.Execute(c.Request.Context(), cfg, prompt, ai.ExecuteOptions{
		UserRef:        req.UserRef,
		ConversationID: req.ConversationID,
		Kwargs:         req.Kwargs,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{"answer": answer.Text}
	if answer.Message != nil {
		resp["message"] = answer.Message
	}
	c.JSON(http.StatusOK, resp)
}

type usageView struct {
	ID             string    `json:"id"`
	UserRef        string    `json:"user_ref,omitempty"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	ConfigID       *int64    `json:"config_id,omitempty"`
	Provider       string    `json:"provider"`
	Operation      string    `json:"operation"`
	Model          string    `json:"model"`
	SentTokens     int       `json:"sent_tokens"`
	ResponseTokens int       `json:"response_tokens"`
	TotalTokens    int       `json:"total_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) listUsage(c *gin.Context) {
	var convID *int64
	if raw := c.Query("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id"})
			return
		}
		convID = &id
	}
	limit := uint64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	logs, err := s.store.ListUsageLogs(c.Request.Context(), convID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]usageView, 0, len(logs))
	for _, row := range logs {
		out = append(out, usageView{
			ID:             row.ID,
			UserRef:        row.UserRef,
			ConversationID: row.ConversationID,
			ConfigID:       row.ConfigID,
			Provider:       row.Provider,
			Operation:      row.OperationKey,
			Model:          row.ModelKey,
			SentTokens:     row.SentTokens,
			ResponseTokens: row.ResponseTokens,
			TotalTokens:    row.TotalTokens,
			CreatedAt:      row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"usage": out})
}

type conversationRequest struct {
	Name          string `json:"name"`
	Number        string `json:"number"`
	ConnectorType string `json:"connector_type"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req conversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, err := s.store.CreateConversation(c.Request.Context(), storage.Conversation{
		Name:          req.Name,
		Number:        req.Number,
		ConnectorType: req.ConnectorType,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type messageRequest struct {
	FromMe   bool   `json:"from_me"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	MediaB64 string `json:"media_b64"`
}

func (s *Server) createMessage(c *gin.Context) {
	convID, ok := paramID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetConversation(c.Request.Context(), convID); err != nil {
		s.writeError(c, err)
		return
	}

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var media []byte
	if req.MediaB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.MediaB64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid media_b64"})
			return
		}
		media = raw
	}

	id, err := s.store.InsertMessage(c.Request.Context(), storage.Message{
		ConversationID: convID,
		FromMe:         req.FromMe,
		Type:           req.Type,
		Text:           req.Text,
		Filename:       req.Filename,
		Mimetype:       req.Mimetype,
		Media:          media,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type mediaJobRequest struct {
	ConfigID   int64  `json:"config_id"`
	UserRef    string `json:"user_ref"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

func (s *Server) transcribeMessage(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue not configured"})
		return
	}
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req mediaJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := s.store.GetMessage(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if len(msg.Media) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Attachment is required."})
		return
	}
	if _, err := s.store.GetAIConfig(c.Request.Context(), req.ConfigID); err != nil {
		s.writeError(c, err)
		return
	}

	if s.dedupe != nil {
		first, err := s.dedupe.MarkFirst(c.Request.Context(), id, queue.JobTranscribe)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if !first {
			c.JSON(http.StatusConflict, gin.H{"error": "transcription already queued"})
			return
		}
	}

	job := queue.MediaJob{
		Kind:      queue.JobTranscribe,
		MessageID: id,
		ConfigID:  req.ConfigID,
		UserRef:   req.UserRef,
	}
	streamID, err := s.queue.Enqueue(c.Request.Context(), &job)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.EnqueuedJobs.Inc()
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.JobID, "stream_id": streamID})
}

func (s *Server) translateMessage(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req mediaJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := s.store.GetMessage(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	text := msg.Text
	if msg.Type != "text" && msg.Transcription != "" {
		text = msg.Transcription
	}

	row, err := s.store.GetAIConfig(c.Request.Context(), req.ConfigID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	cfg, err := row.RuntimeConfig(s.keyring.DecryptString)
	if err != nil {
		s.writeError(c, err)
		return
	}

	kwargs := map[string]any{}
	if req.TargetLang != "" {
		kwargs["target_lang"] = req.TargetLang
	}
	if req.SourceLang != "" {
		kwargs["source_lang"] = req.SourceLang
	}
	answer, err := s.executor.Execute(c.Request.Context(), cfg, ai.TextPrompt(text), ai.ExecuteOptions{
		UserRef:        req.UserRef,
		ConversationID: &msg.ConversationID,
		Kwargs:         kwargs,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.store.SetMessageTranslation(c.Request.Context(), id, answer.Text); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"translation": answer.Text})
}

type sendRequest struct {
	ChatType  string           `json:"chat_type"`
	URL       string           `json:"url"`
	Address   string           `json:"address"`
	Latitude  string           `json:"latitude"`
	Longitude string           `json:"longitude"`
	Buttons   []gateway.Button `json:"buttons"`
	List      *gateway.List    `json:"list"`
}

func (s *Server) sendMessage(c *gin.Context) {
	if s.gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway not configured"})
		return
	}
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req sendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	msg, err := s.store.GetMessage(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	conv, err := s.store.GetConversation(c.Request.Context(), msg.ConversationID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := gateway.OutMessage{
		ID:        strconv.FormatInt(msg.ID, 10),
		To:        conv.Number,
		ChatType:  req.ChatType,
		Type:      msg.Type,
		Text:      msg.Text,
		Filename:  msg.Filename,
		URL:       req.URL,
		Address:   req.Address,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Buttons:   req.Buttons,
		List:      req.List,
	}
	msgID, err := s.gateway.Send(c.Request.Context(), out)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.store.SetMessageSentID(c.Request.Context(), id, msgID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg_id": msgID})
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func readAttachment(c *gin.Context) (*ai.Attachment, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, nil
	}
	if fh.Size > maxAttachmentBytes {
		return nil, &gateway.ValidationError{Message: "Attachment exceeds the maximum size allowed (25 Mb)."}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	return &ai.Attachment{
		Name:     fh.Filename,
		Mimetype: fh.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}
