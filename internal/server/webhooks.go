package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"plenario/internal/config"
	"plenario/internal/domain"
	"plenario/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookHTTPTimeout  = 5 * time.Second
	webhookBatchSize    = 100
)

// hookWorker tails the audit log for one configured webhook. Each worker
// owns its own cursor, so a slow endpoint never stalls the others.
type hookWorker struct {
	engine  engine.Engine
	chamber string
	hook    config.WebhookConfig
	client  *http.Client
	allow   map[string]struct{}
	cursor  int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookHTTPTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		w := &hookWorker{
			engine:  e,
			chamber: e.Config.Chamber.ID,
			hook:    hook,
			client:  &http.Client{Timeout: timeout},
			allow:   allowSet(hook.Events),
		}
		go w.run()
	}
}

// allowSet returns nil for "deliver everything".
func allowSet(events []string) map[string]struct{} {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (w *hookWorker) wants(eventType string) bool {
	if w.allow == nil {
		return true
	}
	_, ok := w.allow[eventType]
	return ok
}

func (w *hookWorker) run() {
	ctx := context.Background()
	// Start at the log tail: hooks receive events from startup on, never
	// a replay of history.
	latest, err := w.engine.Repo.LatestAuditEventID(ctx)
	if err != nil {
		log.Printf("webhook %s: init cursor failed: %v", w.hook.URL, err)
	}
	w.cursor = latest

	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		<-ticker.C
	}
}

func (w *hookWorker) drain(ctx context.Context) {
	for {
		events, err := w.engine.Repo.AuditEventsAfter(ctx, webhookBatchSize, w.cursor)
		if err != nil {
			log.Printf("webhook %s: fetch events failed: %v", w.hook.URL, err)
			return
		}
		if len(events) == 0 {
			return
		}
		for _, evt := range events {
			if w.wants(evt.Type) {
				if err := w.deliver(ctx, evt); err != nil {
					log.Printf("webhook %s: delivery failed: %v", w.hook.URL, err)
					return
				}
			}
			w.cursor = evt.ID
		}
		if len(events) < webhookBatchSize {
			return
		}
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ChamberID  string          `json:"chamber_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (w *hookWorker) deliver(ctx context.Context, evt domain.AuditEvent) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ChamberID:  w.chamber,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Plenario-Event", evt.Type)
	req.Header.Set("X-Plenario-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Plenario-Chamber", w.chamber)
	if secret := strings.TrimSpace(w.hook.Secret); secret != "" {
		req.Header.Set("X-Plenario-Signature", signPayload(secret, data))
	}

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
