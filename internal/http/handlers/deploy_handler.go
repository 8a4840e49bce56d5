package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/http/middleware"
	"github.com/avoran/go-ticketbot-backend/internal/services"
)

const (
	deploySignatureHeader = "X-Webhook-Signature"
	deployDeliveryHeader  = "X-Webhook-Id"
	deliveryScopeDeploy   = "deploy"
	deployBranchRefPrefix = "refs/heads/"
)

// Correlator matches deploy events against pending sessions.
type Correlator interface {
	OnDeployEvent(ctx context.Context, ev domain.DeployEvent) (*domain.NotificationPlan, error)
}

// DeployHandler serves POST /webhooks/deploy. Deliveries are authenticated
// with an HMAC-SHA256 signature over the raw body.
type DeployHandler struct {
	Correlator Correlator
	Notifier   services.Notifier
	Deliveries DeliveryStore

	// Secret, when set, must verify the signature header.
	Secret string
}

// deployPayload is the deploy platform's webhook body. Field aliases cover
// the payload variants the platforms emit.
type deployPayload struct {
	ID        string `json:"id,omitempty"`
	SiteName  string `json:"site_name"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state"`
	Status    string `json:"status,omitempty"`
	Branch    string `json:"branch"`
	DeployURL string `json:"deploy_url,omitempty"`
	BuildURL  string `json:"build_url,omitempty"`
	CommitRef string `json:"commit_ref,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Webhook ingests one deploy event.
func (h *DeployHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	if h.Secret != "" && !verifySignature(body, c.GetHeader(deploySignatureHeader), h.Secret) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "bad signature")
		return
	}

	var p deployPayload
	if err := json.Unmarshal(body, &p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed payload")
		return
	}

	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c)

	// Deploy platforms redeliver on timeouts; drop known delivery ids. The
	// id is recorded only once the event reaches a terminal outcome, so an
	// infrastructure failure stays retryable: a 500 must not poison the
	// redelivery. Record returns repo.ErrDuplicate when racing a concurrent
	// delivery, which the correlator's already_completed check absorbs.
	var delivery string
	if h.Deliveries != nil {
		if id := deliveryID(c, p); id != "" {
			if seen, derr := h.Deliveries.Seen(ctx, deliveryScopeDeploy, id); derr == nil && seen {
				ok(c, http.StatusOK, gin.H{"status": "duplicate"})
				return
			}
			delivery = id
		}
	}
	recordDelivery := func() {
		if delivery != "" {
			_ = h.Deliveries.Record(ctx, deliveryScopeDeploy, delivery)
		}
	}

	ev, okEv := normalizeEvent(p)
	if !okEv {
		// Building, enqueued, and other non-terminal states are not outcomes.
		lg.Debug().Str("state", p.State).Msg("non-terminal deploy state ignored")
		recordDelivery()
		ok(c, http.StatusOK, gin.H{"status": "ignored", "reason": "non_terminal_state"})
		return
	}

	plan, err := h.Correlator.OnDeployEvent(ctx, ev)
	if err != nil {
		if ig, isIgnored := services.AsIgnored(err); isIgnored {
			lg.Info().
				Str("site", ev.SiteName).
				Str("branch", ev.Branch).
				Str("reason", string(ig.Reason)).
				Msg("deploy event not correlated")
			recordDelivery()
			ok(c, http.StatusOK, gin.H{"status": "ignored", "reason": string(ig.Reason)})
			return
		}
		lg.Error().Err(err).Str("site", ev.SiteName).Msg("deploy correlation")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "correlation failed")
		return
	}
	recordDelivery()

	if h.Notifier != nil {
		if nerr := h.Notifier.Notify(ctx, plan); nerr != nil {
			// The session is already Completed; redelivery would be swallowed
			// as already_completed, so report the delivery failure and move on.
			lg.Error().Err(nerr).Str("ticket", plan.TicketRef).Msg("notification delivery")
			ok(c, http.StatusOK, gin.H{"status": "completed", "ticket_ref": plan.TicketRef, "notified": false})
			return
		}
	}
	ok(c, http.StatusOK, gin.H{"status": "completed", "ticket_ref": plan.TicketRef})
}

// normalizeEvent converts the raw payload into a deploy event, reporting
// false for non-terminal states.
func normalizeEvent(p deployPayload) (domain.DeployEvent, bool) {
	state := p.State
	if state == "" {
		state = p.Status
	}
	status, terminal := services.NormalizeDeployStatus(state)
	if !terminal {
		return domain.DeployEvent{}, false
	}

	site := p.SiteName
	if site == "" {
		site = p.Name
	}
	buildURL := p.DeployURL
	if buildURL == "" {
		buildURL = p.BuildURL
	}

	var ts time.Time
	if p.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}

	return domain.DeployEvent{
		SiteName:  site,
		Status:    status,
		Branch:    strings.TrimPrefix(p.Branch, deployBranchRefPrefix),
		BuildURL:  buildURL,
		CommitRef: p.CommitRef,
		Timestamp: services.EventTimestamp(ts),
	}, true
}

// verifySignature checks an HMAC-SHA256 hex signature, with or without the
// conventional "sha256=" prefix.
func verifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}

// deliveryID picks the dedupe key: the delivery header when present, the
// payload id otherwise.
func deliveryID(c *gin.Context, p deployPayload) string {
	if id := c.GetHeader(deployDeliveryHeader); id != "" {
		return id
	}
	return p.ID
}
