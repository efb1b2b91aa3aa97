package plenariosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Plenario HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Proposition is the API proposition model.
type Proposition struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
	Status   string `json:"status"`
	Outcome  string `json:"outcome,omitempty"`
}

// Tramitacao is one stage instance of a proposition's routing.
type Tramitacao struct {
	ID            string `json:"id"`
	PropositionID string `json:"proposition_id"`
	StageIndex    int    `json:"stage_index"`
	StageName     string `json:"stage_name"`
	UnitID        string `json:"unit_id"`
	Status        string `json:"status"`
	Outcome       string `json:"outcome,omitempty"`
	DeadlineAt    string `json:"deadline_at,omitempty"`
	DaysOverdue   int    `json:"days_overdue"`
}

// Sitting is a plenary sitting.
type Sitting struct {
	ID            string `json:"id"`
	Number        int    `json:"number"`
	Status        string `json:"status"`
	ScheduledAt   string `json:"scheduled_at"`
	EstimatedSecs int64  `json:"estimated_secs"`
	RealSecs      int64  `json:"real_secs"`
}

// AgendaItem is one entry of a sitting's day plan.
type AgendaItem struct {
	ID            string `json:"id"`
	SittingID     string `json:"sitting_id"`
	Section       string `json:"section"`
	Position      int    `json:"position"`
	Status        string `json:"status"`
	ActionType    string `json:"action_type"`
	PropositionID string `json:"proposition_id,omitempty"`
}

// Round is a voting round with its tally and outcome.
type Round struct {
	ID             string `json:"id"`
	ItemID         string `json:"item_id"`
	Round          int    `json:"round"`
	Status         string `json:"status"`
	ComputedResult string `json:"computed_outcome,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	Tally          struct {
		Yes     int `json:"yes"`
		No      int `json:"no"`
		Abstain int `json:"abstain"`
	} `json:"tally"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Protocol registers a proposition.
func (c *Client) Protocol(ctx context.Context, category, title, summary string) (Proposition, error) {
	body := map[string]any{
		"category": category,
		"title":    title,
		"summary":  summary,
	}
	var resp Proposition
	err := c.do(ctx, http.MethodPost, "v0/proposicoes", body, &resp)
	return resp, err
}

// GetProposition fetches a proposition by id.
func (c *Client) GetProposition(ctx context.Context, id string) (Proposition, error) {
	var resp Proposition
	err := c.do(ctx, http.MethodGet, "v0/proposicoes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tramitacoes lists a proposition's stage instances.
func (c *Client) Tramitacoes(ctx context.Context, propositionID string) ([]Tramitacao, error) {
	var resp []Tramitacao
	endpoint := fmt.Sprintf("v0/proposicoes/%s/tramitacoes", url.PathEscape(propositionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance concludes a stage instance and routes to the next one.
func (c *Client) Advance(ctx context.Context, tramitacaoID, outcome, opinion, comment, ruleID string) (Tramitacao, error) {
	body := map[string]any{
		"outcome": outcome,
		"opinion": opinion,
		"comment": comment,
		"rule_id": ruleID,
	}
	var resp Tramitacao
	endpoint := fmt.Sprintf("v0/tramitacoes/%s/advance", url.PathEscape(tramitacaoID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateSitting schedules a sitting.
func (c *Client) CreateSitting(ctx context.Context, number int, scheduledAt time.Time) (Sitting, error) {
	body := map[string]any{
		"number":       number,
		"scheduled_at": scheduledAt.UTC().Format(time.RFC3339),
	}
	var resp Sitting
	err := c.do(ctx, http.MethodPost, "v0/sessoes", body, &resp)
	return resp, err
}

// AddAgendaItem schedules an agenda item into a sitting.
func (c *Client) AddAgendaItem(ctx context.Context, sittingID, section, actionType, propositionID string) (AgendaItem, error) {
	body := map[string]any{
		"section":        section,
		"action_type":    actionType,
		"proposition_id": propositionID,
	}
	var resp AgendaItem
	endpoint := fmt.Sprintf("v0/sessoes/%s/pauta", url.PathEscape(sittingID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartRound opens a voting round for an agenda item.
func (c *Client) StartRound(ctx context.Context, sittingID, itemID string, round, presentMembers int) (Round, error) {
	body := map[string]any{
		"item_id":         itemID,
		"round":           round,
		"present_members": presentMembers,
	}
	var resp Round
	endpoint := fmt.Sprintf("v0/sessoes/%s/votacao/turno", url.PathEscape(sittingID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CloseRound posts the final tally and closes the open round.
func (c *Client) CloseRound(ctx context.Context, sittingID, itemID string, yes, no, abstain int) (Round, error) {
	body := map[string]any{
		"item_id": itemID,
		"yes":     yes,
		"no":      no,
		"abstain": abstain,
		"close":   true,
	}
	var resp Round
	endpoint := fmt.Sprintf("v0/sessoes/%s/votacao/turno", url.PathEscape(sittingID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
