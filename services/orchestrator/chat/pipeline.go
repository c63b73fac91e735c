// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

const resourceTypeChat = "chat"

// =============================================================================
// Construction
// =============================================================================

// Deps wires a Pipeline. Store and Gateway are required; everything else has
// a working default.
type Deps struct {
	Store   Store
	Gateway *llm.Gateway

	// Titles names new chats. Nil uses the truncated first message.
	Titles TitleSource

	// Files resolves attachments. Nil keeps every file out of model context.
	Files *FileLoader

	ArtifactPreviewChars int

	Activity    extensions.ActivityRecorder
	Performance extensions.PerformanceTracker
	Metrics     *observability.ChatMetrics
	Logger      *slog.Logger
}

// Pipeline runs chat sends and deletes.
type Pipeline struct {
	store        Store
	gateway      *llm.Gateway
	resolver     *EntityResolver
	aggregator   *ContextAggregator
	attachments  *AttachmentProcessor
	materializer *ResponseMaterializer
	classifier   *chaterr.Classifier
	activity     extensions.ActivityRecorder
	perf         extensions.PerformanceTracker
	metrics      *observability.ChatMetrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewPipeline builds a Pipeline from its collaborators.
func NewPipeline(d Deps) (*Pipeline, error) {
	if d.Store == nil {
		return nil, errors.New("chat pipeline: store is required")
	}
	if d.Gateway == nil {
		return nil, errors.New("chat pipeline: gateway is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Activity == nil {
		d.Activity = extensions.NopActivityRecorder{}
	}
	if d.Performance == nil {
		d.Performance = extensions.NopPerformanceTracker{}
	}
	return &Pipeline{
		store:        d.Store,
		gateway:      d.Gateway,
		resolver:     NewEntityResolver(d.Store, d.Titles, d.Logger),
		aggregator:   NewContextAggregator(d.Store, d.Files, d.ArtifactPreviewChars, d.Metrics, d.Logger),
		attachments:  NewAttachmentProcessor(d.Files, d.Metrics, d.Logger),
		materializer: NewResponseMaterializer(d.Store, d.Metrics, d.Logger),
		classifier:   NewClassifier(),
		activity:     d.Activity,
		perf:         d.Performance,
		metrics:      d.Metrics,
		logger:       d.Logger,
		now:          time.Now,
	}, nil
}

// Classify maps any error onto the taxonomy.
func (p *Pipeline) Classify(err error) *chaterr.Error {
	return p.classifier.Classify(err)
}

// =============================================================================
// Send
// =============================================================================

// SendInput is one authenticated send.
type SendInput struct {
	Request       datatypes.SendChatRequest
	UserID        string
	Credentials   llm.Credentials
	CorrelationID extensions.CorrelationID
	RequestPath   string
	RequestMethod string
}

// Turn is a prepared send: the user message is stored and the send
// activity issued. Stream runs the model.
type Turn struct {
	p      *Pipeline
	in     SendInput
	chat   *datatypes.Chat
	isNew  bool
	user   datatypes.Message
	turns  []llm.TurnMessage
	extra  string
	logger *slog.Logger

	streamed     atomic.Bool
	materialized Materialized
}

// Chat is the resolved chat.
func (t *Turn) Chat() *datatypes.Chat { return t.chat }

// IsNew reports whether this send created the chat.
func (t *Turn) IsNew() bool { return t.isNew }

// UserMessage is the stored user message.
func (t *Turn) UserMessage() datatypes.Message { return t.user }

// Prepare runs everything up to the model call.
//
// # Description
//
// In order: validate the body, check that the model exists and a
// credential is available, resolve or create the chat, load history, build
// artifact/file context and process new attachments concurrently, persist
// the user message, record the send activity.
//
// Nothing is written before the chat is authorized. Once the user message
// is stored it is never rolled back.
//
// # Inputs
//
//   - ctx: Request context.
//   - in: Authenticated send. CorrelationID is generated when empty.
//
// # Outputs
//
//   - *Turn: Ready to Stream.
//   - error: Always a *chaterr.Error.
func (p *Pipeline) Prepare(ctx context.Context, in SendInput) (*Turn, error) {
	if in.CorrelationID == "" {
		in.CorrelationID = extensions.NewCorrelationID()
	}
	ctx, span := tracer.Start(ctx, "Pipeline.Prepare")
	defer span.End()

	req := &in.Request
	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("chat.id", req.ID),
		attribute.String("chat.model", req.SelectedChatModel),
		attribute.Bool("chat.thinking", req.ThinkingEnabled),
		attribute.String("correlation_id", in.CorrelationID.String()),
	)
	logger := p.logger.With(
		"correlation_id", in.CorrelationID.String(),
		"chat_id", req.ID,
		"user_id", in.UserID,
	)

	if err := req.Validate(); err != nil {
		logger.Info("rejected chat request", "error", err)
		ce := chaterr.New(chaterr.KindBadRequest, err)
		span.SetStatus(codes.Error, ce.Error())
		return nil, ce
	}

	fail := func(activity extensions.ActivityType, err error) (*Turn, error) {
		ce := p.classifier.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, ce.Error())
		logger.Warn("chat send failed", "kind", ce.Kind, "error", err)
		p.recordFailure(ctx, in.UserID, in.CorrelationID, activity, req.ID, in.RequestPath, in.RequestMethod, err)
		return nil, ce
	}

	if _, err := p.gateway.Preflight(req.SelectedChatModel, in.Credentials); err != nil {
		return fail(extensions.ActivityChatMessageSend, err)
	}

	switch owner, err := p.store.MessageChatID(ctx, req.Message.ID); {
	case err == nil && owner != req.ID:
		return fail(extensions.ActivityChatMessageSend, chaterr.New(chaterr.KindBadRequest,
			fmt.Errorf("message id %s is already used by another chat", req.Message.ID)))
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fail(extensions.ActivityChatMessageSend, fmt.Errorf("look up message id: %w", err))
	}

	res, err := p.resolver.Resolve(ctx, ResolveInput{
		ChatID:       req.ID,
		UserID:       in.UserID,
		FirstMessage: firstText(req.Message.Parts),
		Visibility:   req.SelectedVisibilityType,
	})
	if err != nil {
		return fail(extensions.ActivityChatMessageSend, err)
	}
	activity := extensions.ActivityChatMessageSend
	if res.IsNew {
		activity = extensions.ActivityChatCreate
	}

	history, err := p.store.GetMessages(ctx, req.ID)
	if err != nil {
		return fail(activity, fmt.Errorf("load history: %w", err))
	}
	// A retry reuses the message id. The stored copy becomes this turn's
	// message instead of a second prompt.
	history = withoutMessage(history, req.Message.ID)

	var (
		aggregated AggregatedContext
		attached   AttachmentResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		aggregated, err = p.aggregator.Assemble(gctx, history, req.ID, in.UserID, in.CorrelationID)
		return err
	})
	g.Go(func() error {
		attached = p.attachments.Process(gctx, req.FileParts(), in.CorrelationID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(activity, fmt.Errorf("build context: %w", err))
	}

	attachments := attached.Attachments
	if attachments == nil {
		attachments = []datatypes.Attachment{}
	}
	user := datatypes.Message{
		ID:          req.Message.ID,
		ChatID:      req.ID,
		Role:        datatypes.RoleUser,
		Parts:       req.Message.Parts,
		Attachments: attachments,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store.SaveMessages(context.WithoutCancel(ctx), []datatypes.Message{user}); err != nil {
		return fail(activity, fmt.Errorf("persist user message: %w", err))
	}

	summary := p.aggregator.Summary(history)
	p.activity.Record(context.WithoutCancel(ctx), extensions.ActivityRecord{
		UserID:        in.UserID,
		CorrelationID: in.CorrelationID,
		Type:          activity,
		Category:      extensions.ActivityCategoryChat,
		ResourceID:    req.ID,
		ResourceType:  resourceTypeChat,
		RequestPath:   in.RequestPath,
		RequestMethod: in.RequestMethod,
		Metadata: map[string]any{
			"chat_id":                req.ID,
			"model_selected":         req.SelectedChatModel,
			"thinking_enabled":       req.ThinkingEnabled,
			"file_count":             len(req.FileParts()),
			"total_files_in_context": summary.FileCount,
			"total_file_size":        summary.TotalSize,
			"message_length":         textLength(req.Message.Parts),
			"has_artifact_context":   aggregated.Artifacts != "",
			"has_file_context":       summary.FileCount > 0,
		},
		Success:    true,
		OccurredAt: p.now().UTC(),
	})

	logger.Info("chat turn prepared",
		"is_new", res.IsNew,
		"history_len", len(history),
		"new_files", len(attached.Attachments),
		"files_in_context", len(attached.Fragments),
		"api_key_present", in.Credentials.APIKey != "",
	)

	return &Turn{
		p:      p,
		in:     in,
		chat:   res.Chat,
		isNew:  res.IsNew,
		user:   user,
		turns:  buildTurns(history, user, attached.ContextBlock()),
		extra:  aggregated.String(),
		logger: logger,
	}, nil
}

// Stream runs the model and relays its output to emit.
//
// # Description
//
// Text and reasoning deltas are forwarded as they arrive. When the model
// finishes, the assistant reply is persisted (with a fallback if it is
// empty), a fallback event is emitted for any substituted message, the
// performance record is closed and a finish event is sent.
//
// If the client goes away or the provider fails mid-stream, nothing is
// persisted for the assistant and the performance record closes as failed.
// Stream may be called once.
//
// # Outputs
//
//   - error: A *chaterr.Error, or the error returned by emit for the final
//     finish event.
func (t *Turn) Stream(ctx context.Context, emit func(datatypes.StreamEvent) error) error {
	p := t.p
	if !t.streamed.CompareAndSwap(false, true) {
		return p.classifier.Classify(llm.ErrStreamConsumed)
	}
	ctx, span := tracer.Start(ctx, "Turn.Stream")
	defer span.End()
	req := t.in.Request
	span.SetAttributes(attribute.String("chat.id", req.ID), attribute.String("chat.model", req.SelectedChatModel))

	handle := &onceHandle{h: p.perf.Start(ctx, extensions.PerformanceContext{
		CorrelationID: t.in.CorrelationID,
		UserID:        t.in.UserID,
		AgentType:     extensions.AgentTypeChatModel,
		Operation:     extensions.OperationStreaming,
		ModelID:       req.SelectedChatModel,
		ThinkingMode:  req.ThinkingEnabled,
		ResourceID:    req.ID,
		ResourceType:  resourceTypeChat,
	})}
	start := p.now()

	fail := func(err error) error {
		ce := p.classifier.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, ce.Error())
		wctx := context.WithoutCancel(ctx)
		handle.End(wctx, extensions.PerformanceOutcome{Success: false, ErrorMessage: err.Error()})
		p.metrics.RecordStreamDuration(p.now().Sub(start).Seconds(), false)
		if errors.Is(err, context.Canceled) {
			t.logger.Info("chat stream abandoned by client")
		} else {
			t.logger.Error("chat stream failed", "kind", ce.Kind, "error", err)
		}
		activity := extensions.ActivityChatMessageSend
		if t.isNew {
			activity = extensions.ActivityChatCreate
		}
		p.recordFailure(ctx, t.in.UserID, t.in.CorrelationID, activity, req.ID, t.in.RequestPath, t.in.RequestMethod, err)
		return ce
	}

	result, err := p.gateway.Chat(ctx, llm.ChatRequest{
		ChatID:       req.ID,
		ModelID:      req.SelectedChatModel,
		Messages:     t.turns,
		Context:      t.extra,
		ThinkingMode: req.ThinkingEnabled,
		Credentials:  t.in.Credentials,
		GenerateID:   uuid.NewString,
		OnFinish: func(fctx context.Context, ev llm.FinishEvent) error {
			return t.finish(fctx, ev, handle, emit)
		},
	})
	if err != nil {
		return fail(err)
	}

	var first sync.Once
	err = result.Consume(ctx, func(c llm.Chunk) error {
		first.Do(func() {
			p.metrics.RecordTimeToFirstChunk(req.SelectedChatModel, p.now().Sub(start).Seconds())
		})
		ev := datatypes.NewStreamEvent(datatypes.EventTextDelta)
		if c.Type == llm.ChunkReasoning {
			ev = datatypes.NewStreamEvent(datatypes.EventReasoningDelta)
		}
		return emit(ev.WithContent(c.Text))
	})
	if err != nil {
		return fail(err)
	}
	p.metrics.RecordStreamDuration(p.now().Sub(start).Seconds(), true)

	done := datatypes.NewStreamEvent(datatypes.EventFinish)
	done.ChatID = req.ID
	if n := len(t.materialized.Messages); n > 0 {
		done.MessageID = t.materialized.Messages[n-1].ID
	}
	return emit(done)
}

// finish is the terminal callback: persist, backfill usage, notify the
// client of substitutions, close the performance record.
func (t *Turn) finish(ctx context.Context, ev llm.FinishEvent, handle *onceHandle,
	emit func(datatypes.StreamEvent) error) error {
	p := t.p
	req := t.in.Request
	wctx := context.WithoutCancel(ctx)

	if ev.Condition != nil {
		t.logger.Info("model could not honor the request", "condition", ev.Condition)
	}
	mat, err := p.materializer.Materialize(wctx, MaterializeInput{
		ChatID:            req.ID,
		ModelID:           req.SelectedChatModel,
		ThinkingRequested: req.ThinkingEnabled,
		Condition:         ev.Condition,
		Messages:          ev.Messages,
	})
	if err != nil {
		return err
	}
	t.materialized = mat

	if ev.Usage != nil {
		p.metrics.RecordTokens(ev.Usage.InputTokens, ev.Usage.OutputTokens, req.SelectedChatModel)
		for _, m := range mat.Messages {
			in, out := ev.Usage.InputTokens, ev.Usage.OutputTokens
			usage := m.Usage
			usage.InputTokens, usage.OutputTokens = &in, &out
			if err := p.store.UpdateUsage(wctx, m.ID, usage); err != nil {
				t.logger.Warn("usage backfill failed", "message_id", m.ID, "error", err)
			}
		}
	}

	for _, m := range mat.Messages {
		text, ok := mat.Substituted[m.ID]
		if !ok {
			continue
		}
		fb := datatypes.NewStreamEvent(datatypes.EventFallback).WithContent(text)
		fb.ChatID, fb.MessageID = req.ID, m.ID
		if err := emit(fb); err != nil {
			t.logger.Debug("fallback event not delivered", "message_id", m.ID, "error", err)
		}
	}

	handle.End(wctx, extensions.PerformanceOutcome{
		Success: true,
		Metadata: map[string]any{
			"message_count":     len(mat.Messages),
			"parts_count":       mat.PartsCount,
			"substituted_count": len(mat.Substituted),
		},
	})
	t.logger.Info("assistant reply stored",
		"message_count", len(mat.Messages), "substituted", len(mat.Substituted))
	return nil
}

// =============================================================================
// Delete and read
// =============================================================================

// DeleteInput is one authenticated delete.
type DeleteInput struct {
	ChatID        string
	UserID        string
	CorrelationID extensions.CorrelationID
	RequestPath   string
	RequestMethod string
}

// Delete removes a chat and its messages if the requester owns it. A
// missing chat is NotFound, so a repeated delete has no further effect.
func (p *Pipeline) Delete(ctx context.Context, in DeleteInput) (*datatypes.Chat, error) {
	if in.CorrelationID == "" {
		in.CorrelationID = extensions.NewCorrelationID()
	}
	ctx, span := tracer.Start(ctx, "Pipeline.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", in.ChatID))
	logger := p.logger.With("correlation_id", in.CorrelationID.String(), "chat_id", in.ChatID, "user_id", in.UserID)

	if err := datatypes.ValidateChatID(in.ChatID); err != nil {
		return nil, chaterr.New(chaterr.KindBadRequest, err)
	}

	fail := func(err error) (*datatypes.Chat, error) {
		ce := p.classifier.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, ce.Error())
		logger.Warn("chat delete failed", "kind", ce.Kind, "error", err)
		p.recordFailure(ctx, in.UserID, in.CorrelationID, extensions.ActivityChatDelete,
			in.ChatID, in.RequestPath, in.RequestMethod, err)
		return nil, ce
	}

	if _, err := p.resolver.Authorize(ctx, in.ChatID, in.UserID); err != nil {
		return fail(err)
	}
	deleted, err := p.store.DeleteChat(context.WithoutCancel(ctx), in.ChatID)
	if err != nil {
		return fail(err)
	}

	p.activity.Record(context.WithoutCancel(ctx), extensions.ActivityRecord{
		UserID:        in.UserID,
		CorrelationID: in.CorrelationID,
		Type:          extensions.ActivityChatDelete,
		Category:      extensions.ActivityCategoryChat,
		ResourceID:    in.ChatID,
		ResourceType:  resourceTypeChat,
		RequestPath:   in.RequestPath,
		RequestMethod: in.RequestMethod,
		Success:       true,
		OccurredAt:    p.now().UTC(),
	})
	logger.Info("chat deleted")
	return deleted, nil
}

// Messages returns the transcript of a chat. Private chats are readable by
// their owner only.
func (p *Pipeline) Messages(ctx context.Context, chatID, userID string) ([]datatypes.Message, error) {
	if err := datatypes.ValidateChatID(chatID); err != nil {
		return nil, chaterr.New(chaterr.KindBadRequest, err)
	}
	chat, err := p.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, p.classifier.Classify(err)
	}
	if chat.Visibility != datatypes.VisibilityPublic && !chat.OwnedBy(userID) {
		return nil, chaterr.New(chaterr.KindForbidden, fmt.Errorf("chat %s is private", chatID))
	}
	msgs, err := p.store.GetMessages(ctx, chatID)
	if err != nil {
		return nil, p.classifier.Classify(err)
	}
	return msgs, nil
}

// =============================================================================
// Helpers
// =============================================================================

// recordFailure writes the failure activity for a known actor.
func (p *Pipeline) recordFailure(ctx context.Context, userID string, cid extensions.CorrelationID,
	activity extensions.ActivityType, chatID, path, method string, cause error) {
	if userID == "" {
		return
	}
	p.activity.Record(context.WithoutCancel(ctx), extensions.ActivityRecord{
		UserID:        userID,
		CorrelationID: cid,
		Type:          activity,
		Category:      extensions.ActivityCategoryChat,
		ResourceID:    chatID,
		ResourceType:  resourceTypeChat,
		RequestPath:   path,
		RequestMethod: method,
		Success:       false,
		ErrorMessage:  cause.Error(),
		OccurredAt:    p.now().UTC(),
	})
}

// buildTurns flattens history plus the new message. The new-file block is
// appended to the new message, which is always the last turn.
func buildTurns(history []datatypes.Message, user datatypes.Message, newFiles string) []llm.TurnMessage {
	turns := make([]llm.TurnMessage, 0, len(history)+1)
	for i := range history {
		m := &history[i]
		turns = append(turns, llm.TurnMessage{ID: m.ID, Role: llm.Role(m.Role), Text: m.JoinedText()})
	}
	text := user.JoinedText()
	if newFiles != "" {
		text += "\n\n" + newFiles
	}
	return append(turns, llm.TurnMessage{ID: user.ID, Role: llm.RoleUser, Text: text})
}

func withoutMessage(history []datatypes.Message, id string) []datatypes.Message {
	for i := range history {
		if history[i].ID == id {
			out := make([]datatypes.Message, 0, len(history)-1)
			out = append(out, history[:i]...)
			return append(out, history[i+1:]...)
		}
	}
	return history
}

func firstText(parts []datatypes.Part) string {
	for _, p := range parts {
		if p.Type == datatypes.PartText && strings.TrimSpace(p.Text) != "" {
			return p.Text
		}
	}
	return ""
}

func textLength(parts []datatypes.Part) int {
	n := 0
	for _, p := range parts {
		if p.Type == datatypes.PartText {
			n += utf8.RuneCountInString(p.Text)
		}
	}
	return n
}

// onceHandle closes a performance record at most once.
type onceHandle struct {
	h    extensions.PerformanceHandle
	once sync.Once
}

func (o *onceHandle) End(ctx context.Context, outcome extensions.PerformanceOutcome) {
	o.once.Do(func() { o.h.End(ctx, outcome) })
}
