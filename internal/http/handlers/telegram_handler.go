// Package handlers provides the HTTP endpoints. This file implements the
// Telegram webhook: command routing (/repo, /ticket, /start), plain-text
// and voice content intake, and the inline-keyboard confirmation flow.
//
// Telegram redelivers updates until it sees a 2xx, so the handler
// acknowledges every parsed update with 200 and reports problems to the
// chat instead of the webhook response. Only authentication and malformed
// payloads are rejected with an error status.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/http/middleware"
	"github.com/avoran/go-ticketbot-backend/internal/routing"
	"github.com/avoran/go-ticketbot-backend/internal/services"
	"github.com/avoran/go-ticketbot-backend/internal/telegram"
	"github.com/avoran/go-ticketbot-backend/internal/transcribe"
)

// telegramSecretHeader authenticates webhook deliveries; Telegram echoes
// the secret configured at setWebhook time.
const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// deliveryScopeTelegram namespaces Telegram update ids in the delivery log.
const deliveryScopeTelegram = "telegram"

// SessionOps defines the session-service operations consumed by the
// Telegram handler. Implementations must be safe for concurrent use and
// honor the provided context.
type SessionOps interface {
	// SelectRepo persists the explicit /repo choice.
	SelectRepo(ctx context.Context, chatID, userID int64, short string) (domain.RepoBinding, error)
	// ClearRepo removes the explicit /repo choice.
	ClearRepo(ctx context.Context, chatID, userID int64) error
	// Arm opens a ticket intake, optionally with immediate content.
	Arm(ctx context.Context, chatID, userID int64, author, content string) (*domain.TicketSession, error)
	// SubmitContent delivers intake content for an Armed session.
	SubmitContent(ctx context.Context, chatID, userID int64, author, content string) (*domain.TicketSession, error)
	// ConfirmDraft accepts the held draft (confirm mode).
	ConfirmDraft(ctx context.Context, chatID, userID int64, author string) (*domain.TicketSession, error)
	// CancelDraft disarms an Armed session.
	CancelDraft(ctx context.Context, chatID, userID int64) error
}

// ChatClient is the outbound Bot API surface the handler needs.
type ChatClient interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
	SendKeyboard(ctx context.Context, chatID int64, text string, kb telegram.InlineKeyboard, replyTo int64) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	GetFilePath(ctx context.Context, fileID string) (string, error)
	DownloadFile(ctx context.Context, filePath string) ([]byte, error)
}

// DeliveryStore deduplicates external webhook deliveries.
type DeliveryStore interface {
	// Seen reports whether id was already processed within its TTL.
	Seen(ctx context.Context, scope, id string) (bool, error)
	// Record remembers id; repo.ErrDuplicate when it raced another delivery.
	Record(ctx context.Context, scope, id string) error
}

// TelegramHandler serves POST /webhooks/telegram.
type TelegramHandler struct {
	Sessions    SessionOps
	Chat        ChatClient
	Transcriber transcribe.Transcriber
	Deliveries  DeliveryStore

	// WebhookSecret, when set, must match the Telegram secret header.
	WebhookSecret string
	// RequireTicketCommand ignores non-/ticket traffic in group chats.
	RequireTicketCommand bool
	// ConfirmBeforeCreate mirrors the session service setting; it decides
	// whether content acceptance answers with a confirmation keyboard.
	ConfirmBeforeCreate bool
}

// Webhook ingests one Telegram update.
func (h *TelegramHandler) Webhook(c *gin.Context) {
	if h.WebhookSecret != "" {
		got := c.GetHeader(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "bad webhook secret")
			return
		}
	}

	var upd telegram.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed update")
		return
	}

	ctx := c.Request.Context()

	// Telegram retries aggressively; drop duplicate update ids. The id is
	// recorded after handling, next to the ack, so a delivery is never
	// marked seen without having been processed.
	var delivery string
	if h.Deliveries != nil && upd.UpdateID != 0 {
		id := strconv.FormatInt(upd.UpdateID, 10)
		if seen, err := h.Deliveries.Seen(ctx, deliveryScopeTelegram, id); err == nil && seen {
			ok(c, http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		delivery = id
	}

	lg := middleware.LoggerFrom(c)

	switch {
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, c, upd.CallbackQuery)
	case upd.Msg() != nil:
		h.handleMessage(ctx, c, upd.Msg())
	default:
		lg.Debug().Msg("update carries nothing handleable")
	}

	if delivery != "" {
		_ = h.Deliveries.Record(ctx, deliveryScopeTelegram, delivery)
	}
	if !c.Writer.Written() {
		ok(c, http.StatusOK, gin.H{"ok": true})
	}
}

// handleCallback handles create/edit/cancel button presses. Callback data
// is "<action>:<authorID>"; only the draft author may act.
func (h *TelegramHandler) handleCallback(ctx context.Context, c *gin.Context, cq *telegram.CallbackQuery) {
	// Acknowledge the click promptly, then do the work.
	_ = h.Chat.AnswerCallback(ctx, cq.ID, "")

	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	chatID := cq.Message.Chat.ID
	replyTo := cq.Message.MessageID

	action, authorStr, found := strings.Cut(strings.TrimSpace(cq.Data), ":")
	if !found {
		return
	}
	authorID, err := strconv.ParseInt(authorStr, 10, 64)
	if err != nil {
		return
	}
	if cq.From.ID != authorID {
		_ = h.Chat.AnswerCallback(ctx, cq.ID, "This draft belongs to someone else")
		return
	}

	lg := middleware.LoggerFrom(c)

	switch action {
	case "create":
		sess, err := h.Sessions.ConfirmDraft(ctx, chatID, authorID, cq.From.DisplayName())
		if err != nil {
			h.replyIntakeError(ctx, chatID, replyTo, err, false)
			return
		}
		h.reply(ctx, chatID, replyTo, "Done 🎉\n"+sess.TicketURL)
	case "edit":
		h.reply(ctx, chatID, replyTo, "OK, send the corrected text as one message.")
	case "cancel":
		if err := h.Sessions.CancelDraft(ctx, chatID, authorID); err != nil && !errors.Is(err, services.ErrNoActiveIntake) {
			lg.Error().Err(err).Msg("cancel draft")
			return
		}
		h.reply(ctx, chatID, replyTo, "Cancelled.")
	}
}

// handleMessage routes a chat message: commands first, then voice or text
// content for an armed intake.
func (h *TelegramHandler) handleMessage(ctx context.Context, c *gin.Context, msg *telegram.Message) {
	if msg.Chat == nil || msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID
	replyTo := msg.MessageID
	author := msg.From.DisplayName()
	inGroup := msg.Chat.IsGroup()
	text := strings.TrimSpace(msg.Text)

	switch {
	case isHelpCommand(text):
		h.reply(ctx, chatID, replyTo,
			"Send a voice note or /ticket <text> and I will open a GitHub issue for you.\n"+
				"/repo <short> selects the repository.\n"+
				"In groups use /ticket first, then the voice note.")
		return

	case strings.HasPrefix(text, "/repo"):
		short := strings.TrimSpace(strings.TrimPrefix(text, "/repo"))
		if short == "" {
			h.reply(ctx, chatID, replyTo, "Usage: /repo <short name>, or /repo reset to clear the selection")
			return
		}
		if short == "reset" {
			if err := h.Sessions.ClearRepo(ctx, chatID, userID); err != nil {
				h.replyIntakeError(ctx, chatID, replyTo, err, false)
				return
			}
			h.reply(ctx, chatID, replyTo, "Repository selection cleared.")
			return
		}
		repo, err := h.Sessions.SelectRepo(ctx, chatID, userID, short)
		if err != nil {
			h.replyIntakeError(ctx, chatID, replyTo, err, false)
			return
		}
		h.reply(ctx, chatID, replyTo, fmt.Sprintf("Repository set to %s (%s).", repo.ShortName, repo.OwnerRepo))
		return

	case strings.HasPrefix(text, "/ticket"):
		rest := strings.TrimSpace(strings.TrimPrefix(text, "/ticket"))
		sess, err := h.Sessions.Arm(ctx, chatID, userID, author, rest)
		if err != nil {
			h.replyIntakeError(ctx, chatID, replyTo, err, false)
			return
		}
		h.replyForSession(ctx, chatID, userID, replyTo, sess)
		return
	}

	// Non-command traffic. Voice first, then plain text.
	if fileID, filename, okFile := audioAttachment(msg); okFile {
		if inGroup && h.RequireTicketCommand {
			// Only voice following a /ticket (an armed session) is accepted;
			// anything else is group noise.
			h.submitVoice(ctx, c, chatID, userID, replyTo, author, fileID, filename, true)
			return
		}
		h.submitVoice(ctx, c, chatID, userID, replyTo, author, fileID, filename, false)
		return
	}

	if text != "" {
		quiet := inGroup && h.RequireTicketCommand
		sess, err := h.Sessions.SubmitContent(ctx, chatID, userID, author, text)
		if err != nil {
			h.replyIntakeError(ctx, chatID, replyTo, err, quiet)
			return
		}
		h.replyForSession(ctx, chatID, userID, replyTo, sess)
	}
}

// submitVoice downloads, transcribes, and submits a voice attachment.
// quietErrors suppresses chat replies for updates that are just group noise.
func (h *TelegramHandler) submitVoice(ctx context.Context, c *gin.Context, chatID, userID, replyTo int64, author, fileID, filename string, quietErrors bool) {
	lg := middleware.LoggerFrom(c)

	if !quietErrors {
		h.reply(ctx, chatID, replyTo, "Transcribing…")
	}

	path, err := h.Chat.GetFilePath(ctx, fileID)
	if err != nil {
		lg.Error().Err(err).Msg("getFile")
		h.replyUnlessQuiet(ctx, chatID, replyTo, "Could not fetch the audio from Telegram.", quietErrors)
		return
	}
	audio, err := h.Chat.DownloadFile(ctx, path)
	if err != nil {
		lg.Error().Err(err).Msg("download audio")
		h.replyUnlessQuiet(ctx, chatID, replyTo, "Could not fetch the audio from Telegram.", quietErrors)
		return
	}

	recognized, err := h.Transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		lg.Error().Err(err).Msg("transcription")
		h.replyUnlessQuiet(ctx, chatID, replyTo, "Transcription failed, try again.", quietErrors)
		return
	}
	if recognized == "" {
		h.replyUnlessQuiet(ctx, chatID, replyTo, "Could not recognize anything 😕", quietErrors)
		return
	}

	sess, err := h.Sessions.SubmitContent(ctx, chatID, userID, author, recognized)
	if err != nil {
		h.replyIntakeError(ctx, chatID, replyTo, err, quietErrors)
		return
	}
	h.replyForSession(ctx, chatID, userID, replyTo, sess)
}

// replyForSession answers according to where the intake landed: a pending
// session has a created ticket; an armed session with a draft needs the
// confirmation keyboard; a bare armed session is waiting for content.
func (h *TelegramHandler) replyForSession(ctx context.Context, chatID, userID, replyTo int64, sess *domain.TicketSession) {
	switch {
	case sess.State == domain.StatePending:
		h.reply(ctx, chatID, replyTo, "Done 🎉\n"+sess.TicketURL)
	case sess.State == domain.StateArmed && sess.Draft != "":
		kb := telegram.InlineKeyboard{
			{{Text: "✅ Create", CallbackData: fmt.Sprintf("create:%d", userID)}},
			{
				{Text: "✏️ Edit", CallbackData: fmt.Sprintf("edit:%d", userID)},
				{Text: "❌ Cancel", CallbackData: fmt.Sprintf("cancel:%d", userID)},
			},
		}
		text := fmt.Sprintf("Here is what I recognized:\n\n“%s”\n\nCreate a GitHub issue?", sess.Draft)
		_ = h.Chat.SendKeyboard(ctx, chatID, text, kb, replyTo)
	case sess.State == domain.StateArmed:
		h.reply(ctx, chatID, replyTo, fmt.Sprintf(
			"Armed for %s (branch %s). Send the voice note or text now.", sess.ShortName, sess.Branch))
	}
}

// replyIntakeError translates service errors into chat replies.
func (h *TelegramHandler) replyIntakeError(ctx context.Context, chatID, replyTo int64, err error, quiet bool) {
	var rerr *routing.Error
	switch {
	case errors.As(err, &rerr):
		switch rerr.Code {
		case routing.SessionBusy:
			h.replyUnlessQuiet(ctx, chatID, replyTo, "A ticket for you is already in flight; wait for it to finish.", quiet)
		case routing.UnknownRepo:
			h.replyUnlessQuiet(ctx, chatID, replyTo, "I don't know that repository. Check /repo <short name>.", quiet)
		case routing.AmbiguousRepo:
			h.replyUnlessQuiet(ctx, chatID, replyTo, "Several repositories are eligible; pick one with /repo <short name>.", quiet)
		default:
			h.replyUnlessQuiet(ctx, chatID, replyTo, "No repository resolved for this chat; pick one with /repo <short name>.", quiet)
		}
	case errors.Is(err, services.ErrIntakeExpired):
		h.replyUnlessQuiet(ctx, chatID, replyTo, "The intake window expired; send /ticket again.", quiet)
	case errors.Is(err, services.ErrNoActiveIntake):
		h.replyUnlessQuiet(ctx, chatID, replyTo, "Send /ticket first, then the voice note or text.", quiet)
	case errors.Is(err, services.ErrEmptyContent):
		h.replyUnlessQuiet(ctx, chatID, replyTo, "There was nothing in that message to file.", quiet)
	case errors.Is(err, services.ErrNoDraft):
		h.replyUnlessQuiet(ctx, chatID, replyTo, "The draft is gone; send the voice note again.", quiet)
	default:
		h.replyUnlessQuiet(ctx, chatID, replyTo, "Error creating the issue: "+err.Error(), quiet)
	}
}

func (h *TelegramHandler) reply(ctx context.Context, chatID, replyTo int64, text string) {
	_ = h.Chat.SendMessage(ctx, chatID, text, replyTo)
}

func (h *TelegramHandler) replyUnlessQuiet(ctx context.Context, chatID, replyTo int64, text string, quiet bool) {
	if quiet {
		return
	}
	h.reply(ctx, chatID, replyTo, text)
}

// isHelpCommand matches the help entry points.
func isHelpCommand(text string) bool {
	switch strings.ToLower(text) {
	case "/start", "/help", "help":
		return true
	}
	return false
}

// audioAttachment extracts the downloadable audio file from a message.
// Documents are accepted only with audio-bearing mime types.
func audioAttachment(msg *telegram.Message) (fileID, filename string, ok bool) {
	switch {
	case msg.Voice != nil:
		return msg.Voice.FileID, "voice.ogg", true
	case msg.Audio != nil:
		return msg.Audio.FileID, "audio.ogg", true
	case msg.Document != nil:
		mime := strings.ToLower(msg.Document.MimeType)
		if strings.HasPrefix(mime, "audio/") || mime == "application/ogg" || mime == "video/mp4" {
			name := msg.Document.FileName
			if name == "" {
				name = "audio.bin"
			}
			return msg.Document.FileID, name, true
		}
	}
	return "", "", false
}
