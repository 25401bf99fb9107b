package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/models"
)

var (
	ErrEmptySubmission    = errors.New("nothing to send: no text and no image")
	ErrSubmissionInFlight = errors.New("a submission is already in flight for this conversation")
	ErrNoUserTurn         = errors.New("no user turn to regenerate")
)

const (
	// systemInstruction is the fixed persona prompt sent with every text
	// completion. It also teaches the model the image-request directive.
	systemInstruction = "You are Parley, a friendly and capable AI assistant. " +
		"Answer clearly and concisely. When the user asks you to create, draw, " +
		"or generate an image, include exactly one marker of the form " +
		"[IMAGE_REQUEST: short description of the image] in your reply and " +
		"keep the rest of the reply as normal text."

	// apologyText stands in when the backend returns no usable candidate.
	apologyText = "Sorry, I couldn't come up with a response. Please try again."

	// defaultVisionPrompt accompanies an image sent without any text.
	defaultVisionPrompt = "What's in this image?"

	// errorPreview is the fixed registry preview for a failed turn.
	errorPreview = "Error occurred"

	// imagePreview marks image payloads in the registry preview.
	imagePreview = "[Image]"

	previewMaxChars = 120
)

// SendInput is one user submission: text, an inline image, or both.
type SendInput struct {
	Text      string
	ImageData string // base64 payload, user-supplied image
	ImageMime string
}

// SyncEngine orchestrates a user turn end to end: append the user turn,
// update registry metadata, call the completion backend, parse directives,
// append the assistant turn, update metadata again. Completion failures
// become flagged turns in the log — errors are conversation history here,
// not transient toasts.
type SyncEngine struct {
	log      *MessageLogService
	registry *ConversationService
	client   *CompletionClient
	parser   *DirectiveParser
	cfg      *config.AppConfig
	logger   *slog.Logger

	// inflight enforces at-most-one outstanding submission per conversation.
	// There is no queueing: a second submission is refused, and no lock
	// spans conversations.
	inflight sync.Map
}

// NewSyncEngine wires the engine to its collaborators.
func NewSyncEngine(log *MessageLogService, registry *ConversationService, client *CompletionClient, parser *DirectiveParser, cfg *config.AppConfig, logger *slog.Logger) *SyncEngine {
	return &SyncEngine{
		log:      log,
		registry: registry,
		client:   client,
		parser:   parser,
		cfg:      cfg,
		logger:   logger,
	}
}

// SendMessage runs one user turn through the state machine. Empty
// submissions and concurrent submissions for the same conversation are
// refused up front. A failure to write the user turn itself aborts silently
// (no assistant step has begun); a completion failure finalizes as a flagged
// error turn and returns nil.
func (e *SyncEngine) SendMessage(ctx context.Context, conversationID string, in SendInput) error {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" && in.ImageData == "" {
		return ErrEmptySubmission
	}

	if _, loaded := e.inflight.LoadOrStore(conversationID, struct{}{}); loaded {
		return ErrSubmissionInFlight
	}
	defer e.inflight.Delete(conversationID)

	return e.run(ctx, conversationID, in, true)
}

// Regenerate re-submits the most recent user turn's text through the same
// state machine. It never deletes or replaces the prior answer; the new
// assistant turn is appended after it.
func (e *SyncEngine) Regenerate(ctx context.Context, conversationID string) error {
	if _, loaded := e.inflight.LoadOrStore(conversationID, struct{}{}); loaded {
		return ErrSubmissionInFlight
	}
	defer e.inflight.Delete(conversationID)

	turns, err := e.log.Turns(ctx, conversationID)
	if err != nil {
		return err
	}

	var last *db.Turn
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Sender == db.SenderUser {
			last = &turns[i]
			break
		}
	}
	if last == nil {
		return ErrNoUserTurn
	}

	return e.run(ctx, conversationID, SendInput{Text: last.Text}, false)
}

func (e *SyncEngine) run(ctx context.Context, conversationID string, in SendInput, appendUser bool) error {
	prior, err := e.log.Turns(ctx, conversationID)
	if err != nil {
		return err
	}

	// Submitting: persist the user turn and refresh the registry metadata.
	if appendUser {
		userTurn := &db.Turn{
			Sender:    db.SenderUser,
			Text:      in.Text,
			ImageData: in.ImageData,
			ImageMime: in.ImageMime,
		}
		if _, err := e.log.Append(ctx, conversationID, userTurn); err != nil {
			// The user turn never made it to the log; no assistant step has
			// begun, so there is nothing to surface in-conversation.
			return err
		}

		if len(prior) == 0 {
			if err := e.registry.SetTitleFromFirstTurn(ctx, conversationID, in.Text, in.ImageData != ""); err != nil {
				e.logger.Warn("Failed to set conversation title", "conversation_id", conversationID, "error", err)
			}
		}

		preview := in.Text
		if preview == "" {
			preview = imagePreview
		}
		e.updatePreview(ctx, conversationID, preview, db.SenderUser)

		prior = append(prior, *userTurn)
	} else {
		// Regenerating: the request must end with the user turn being
		// re-submitted, so drop everything after the most recent user turn
		// (the backend rejects histories that end on a model turn).
		for len(prior) > 0 && prior[len(prior)-1].Sender != db.SenderUser {
			prior = prior[:len(prior)-1]
		}
	}

	// AwaitingCompletion: build and send the backend request.
	endpoint, request, err := e.buildRequest(prior, in)
	if err != nil {
		// Configuration errors are fatal to the operation and surfaced
		// verbatim; they are not conversation history.
		return err
	}

	resp, err := e.client.Send(ctx, endpoint, request)
	if err != nil {
		e.finalizeError(ctx, conversationID, err)
		return nil
	}

	text := resp.FirstText()
	if text == "" {
		text = apologyText
	}
	cleaned, imageURL := e.parser.Extract(text)

	// Finalizing: persist the assistant turn and refresh metadata.
	assistantTurn := &db.Turn{
		Sender:   db.SenderAssistant,
		Text:     cleaned,
		ImageURL: imageURL,
	}
	if _, err := e.log.Append(ctx, conversationID, assistantTurn); err != nil {
		return err
	}

	preview := cleaned
	if imageURL != "" {
		preview = cleaned + " " + imagePreview
	}
	e.updatePreview(ctx, conversationID, preview, db.SenderAssistant)

	return nil
}

// buildRequest routes to the vision endpoint when an image is attached
// (exactly one inline part plus the typed text), otherwise to the text
// endpoint with the full prior non-image turn history and the persona
// instruction.
func (e *SyncEngine) buildRequest(turns []db.Turn, in SendInput) (string, *models.GenerateContentRequest, error) {
	if in.ImageData != "" {
		endpoint, err := e.cfg.VisionEndpoint()
		if err != nil {
			return "", nil, err
		}
		prompt := in.Text
		if prompt == "" {
			prompt = defaultVisionPrompt
		}
		req := &models.GenerateContentRequest{
			Contents: []models.Content{{
				Role: models.WireRoleUser,
				Parts: []models.Part{
					{Text: prompt},
					{InlineData: &models.InlineData{MimeType: in.ImageMime, Data: in.ImageData}},
				},
			}},
		}
		return endpoint, req, nil
	}

	endpoint, err := e.cfg.TextEndpoint()
	if err != nil {
		return "", nil, err
	}

	contents := make([]models.Content, 0, len(turns))
	for _, turn := range turns {
		// Image-bearing turns stay out of the text history.
		if turn.ImageData != "" || turn.ImageURL != "" {
			continue
		}
		role := models.WireRoleUser
		if turn.Sender == db.SenderAssistant {
			role = models.WireRoleModel
		}
		contents = append(contents, models.Content{
			Role:  role,
			Parts: []models.Part{{Text: turn.Text}},
		})
	}

	// An image-bearing user turn is filtered out of the text history above;
	// when it was the turn being submitted, carry its text so the request
	// still ends with a user role.
	if n := len(contents); n == 0 || contents[n-1].Role != models.WireRoleUser {
		contents = append(contents, models.Content{
			Role:  models.WireRoleUser,
			Parts: []models.Part{{Text: in.Text}},
		})
	}

	req := &models.GenerateContentRequest{
		Contents:          contents,
		SystemInstruction: &models.SystemInstruction{Parts: []models.Part{{Text: systemInstruction}}},
	}
	return endpoint, req, nil
}

// finalizeError persists the failure as a flagged assistant turn. A failure
// to append even that is logged and swallowed; it must never crash the
// engine.
func (e *SyncEngine) finalizeError(ctx context.Context, conversationID string, cause error) {
	errorTurn := &db.Turn{
		Sender:  db.SenderAssistant,
		Text:    fmt.Sprintf("Sorry, something went wrong: %v", cause),
		IsError: true,
	}
	if _, err := e.log.Append(ctx, conversationID, errorTurn); err != nil {
		e.logger.Error("Failed to persist error turn",
			"conversation_id", conversationID, "cause", cause, "error", err)
		return
	}
	e.updatePreview(ctx, conversationID, errorPreview, db.SenderAssistant)
}

func (e *SyncEngine) updatePreview(ctx context.Context, conversationID, preview, sender string) {
	preview = truncatePreview(preview)
	if err := e.registry.UpdateMetadata(ctx, conversationID, MetadataPatch{
		LastMessage: &preview,
		LastSender:  &sender,
	}); err != nil {
		e.logger.Warn("Failed to update conversation preview",
			"conversation_id", conversationID, "error", err)
	}
}

func truncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewMaxChars {
		return s
	}
	return string(runes[:previewMaxChars]) + "..."
}
