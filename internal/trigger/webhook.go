package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// WebhookResult reports the run a delivery mapped to.
type WebhookResult struct {
	RunID string `json:"run_id"`

	// Deduped is true when the payload matched a prior delivery inside
	// the dedupe window and no new run was created.
	Deduped bool `json:"deduped"`
}

// HandleWebhook verifies, dedupes, and fires one webhook delivery for
// a procedure. Signature is the raw X-Signature-256 header value.
func (s *Service) HandleWebhook(ctx context.Context, procedureID string, body []byte, signature string) (*WebhookResult, error) {
	reg, err := s.store.LatestTriggerRegistration(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if reg.TriggerType != "webhook" {
		return nil, &errors.ValidationError{
			Field:   "trigger_type",
			Message: "procedure " + procedureID + " is not webhook-triggered",
		}
	}

	if err := s.verifySignature(reg, body, signature); err != nil {
		return nil, err
	}

	hash := payloadHash(body)
	if reg.DedupeWindowSeconds > 0 {
		window := time.Duration(reg.DedupeWindowSeconds) * time.Second
		if runID, err := s.store.FindDedupe(ctx, procedureID, hash, window); err != nil {
			return nil, err
		} else if runID != "" {
			s.log.Info("webhook deduplicated",
				ilog.ProcedureKey, procedureID, ilog.RunIDKey, runID)
			return &WebhookResult{RunID: runID, Deduped: true}, nil
		}
	}

	vars := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &vars); err != nil {
			vars = map[string]any{"payload": string(body)}
		}
	}
	run, err := s.Fire(ctx, procedureID, "webhook", "webhook", vars)
	if err != nil {
		return nil, err
	}
	if reg.DedupeWindowSeconds > 0 {
		if err := s.store.RecordDedupe(ctx, procedureID, hash, run.RunID); err != nil {
			s.log.Warn("dedupe record failed", ilog.RunIDKey, run.RunID, "error", err)
		}
	}
	return &WebhookResult{RunID: run.RunID}, nil
}

// verifySignature checks sha256=hex(hmac-sha256(secret, body)) in
// constant time. The registration names the environment variable that
// holds the secret; when the variable is unset the delivery is allowed
// so local setups work without secrets.
func (s *Service) verifySignature(reg *store.TriggerRegistration, body []byte, signature string) error {
	if reg.WebhookSecret == nil || *reg.WebhookSecret == "" {
		return nil
	}
	secret := os.Getenv(*reg.WebhookSecret)
	if secret == "" {
		s.log.Warn("webhook secret env var unset, accepting unsigned delivery",
			ilog.ProcedureKey, reg.ProcedureID, "env_var", *reg.WebhookSecret)
		return nil
	}
	if !hmac.Equal([]byte(signature), []byte(SignPayload(secret, body))) {
		return &errors.ValidationError{
			Field:      "signature",
			Message:    "webhook signature mismatch",
			Suggestion: "sign the raw body with HMAC-SHA256 and send sha256=<hex> in X-Signature-256",
		}
	}
	return nil
}

// SignPayload produces the sha256=<hex> signature senders must attach.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
