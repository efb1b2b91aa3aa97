package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"plenario/internal/agenda"
	"plenario/internal/config"
	"plenario/internal/db"
	"plenario/internal/domain"
	"plenario/internal/engine"
	"plenario/internal/migrate"
	"plenario/internal/session"
)

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("camara-test")
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		Agenda:   agenda.New(conn),
		Session:  session.New(conn),
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposicoes", map[string]any{
		"category": "requerimento",
		"title":    "sem credenciais",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", env.Error.Code)
	}
}

func TestPropositionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposicoes", map[string]any{
		"category": "projeto-de-lei",
		"title":    "Cria o conselho municipal de cultura",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposition: %d %s", res.StatusCode, string(data))
	}
	var created domain.Proposition
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal proposition: %v", err)
	}
	if created.Status != domain.PropositionEmTramitacao {
		t.Fatalf("expected EM_TRAMITACAO, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposicoes/"+created.ID+"/tramitacoes", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tramitacoes: %d %s", res.StatusCode, string(data))
	}
	var stages []domain.Tramitacao
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("unmarshal tramitacoes: %v", err)
	}
	if len(stages) != 1 || stages[0].StageName != "Protocolo" {
		t.Fatalf("unexpected stages: %+v", stages)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tramitacoes/"+stages[0].ID+"/advance", map[string]any{
		"outcome": "APPROVED",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var ccj domain.Tramitacao
	_ = json.Unmarshal(data, &ccj)
	if ccj.StageIndex != 1 {
		t.Fatalf("expected stage 1, got %d", ccj.StageIndex)
	}

	// Advancing the committee stage without an opinion is a 422.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tramitacoes/"+ccj.ID+"/advance", map[string]any{
		"outcome": "APPROVED",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "opinion_required" {
		t.Fatalf("expected opinion_required, got %s", env.Error.Code)
	}
}

func TestAdvanceWithExplicitStage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposicoes", map[string]any{
		"category": "projeto-de-lei",
		"title":    "Denomina via pública",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposition: %d %s", res.StatusCode, string(data))
	}
	var prop domain.Proposition
	_ = json.Unmarshal(data, &prop)
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposicoes/"+prop.ID+"/tramitacoes", nil, actorHeader)
	var stages []domain.Tramitacao
	_ = json.Unmarshal(data, &stages)

	// Route straight to the floor, skipping the committee.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tramitacoes/"+stages[0].ID+"/advance", map[string]any{
		"outcome":    "APPROVED",
		"next_stage": 2,
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance with next_stage: %d %s", res.StatusCode, string(data))
	}
	var next domain.Tramitacao
	_ = json.Unmarshal(data, &next)
	if next.StageIndex != 2 || next.Status != domain.TramitacaoInProgress {
		t.Fatalf("expected open stage 2, got %+v", next)
	}
}

func TestUnknownPropositionIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/proposicoes/nope", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", env.Error.Code)
	}
}

func TestVotingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Protocol a requerimento and walk it to its floor stage with an
	// opinion on record.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposicoes", map[string]any{
		"category": "requerimento",
		"title":    "Requer informações sobre obras paradas",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposition: %d %s", res.StatusCode, string(data))
	}
	var prop domain.Proposition
	_ = json.Unmarshal(data, &prop)

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposicoes/"+prop.ID+"/tramitacoes", nil, actorHeader)
	var stages []domain.Tramitacao
	_ = json.Unmarshal(data, &stages)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tramitacoes/"+stages[0].ID+"/advance", map[string]any{
		"outcome": "APPROVED",
		"opinion": "de acordo com o regimento",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance to floor: %d %s", res.StatusCode, string(data))
	}

	// Open a sitting and put the matter on its agenda.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes", map[string]any{
		"number":       3,
		"scheduled_at": time.Now().UTC().Format(time.RFC3339),
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create sitting: %d %s", res.StatusCode, string(data))
	}
	var sitting domain.Sitting
	_ = json.Unmarshal(data, &sitting)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/start", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start sitting: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/pauta", map[string]any{
		"section":        "FLOOR_VOTE",
		"action_type":    "VOTE",
		"proposition_id": prop.ID,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add agenda item: %d %s", res.StatusCode, string(data))
	}
	var item domain.AgendaItem
	_ = json.Unmarshal(data, &item)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/votacao/turno", map[string]any{
		"item_id":         item.ID,
		"round":           1,
		"present_members": 9,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start round: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/sessoes/"+sitting.ID+"/votacao/turno", map[string]any{
		"item_id": item.ID,
		"yes":     6,
		"no":      2,
		"abstain": 1,
		"close":   true,
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close round: %d %s", res.StatusCode, string(data))
	}
	var round domain.Round
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal round: %v", err)
	}
	if round.Outcome == nil || *round.Outcome != domain.RoundApproved {
		t.Fatalf("expected approved round, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposicoes/"+prop.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get proposition: %d", res.StatusCode)
	}
	_ = json.Unmarshal(data, &prop)
	if prop.Status != domain.PropositionAprovada {
		t.Fatalf("expected APROVADA, got %s", prop.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessoes/"+sitting.ID+"/votacao/turno?item_id="+item.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("round status: %d %s", res.StatusCode, string(data))
	}
	var rounds RoundsResponse
	if err := json.Unmarshal(data, &rounds); err != nil {
		t.Fatalf("unmarshal rounds: %v", err)
	}
	if len(rounds.Rounds) != 1 {
		t.Fatalf("expected 1 round, got %d", len(rounds.Rounds))
	}
	// The category's voting configuration rides along with the rounds.
	if rounds.TotalRounds != 1 || rounds.IntersticeDays != 0 || rounds.QuorumType != domain.SimpleMajority {
		t.Fatalf("expected round configuration in response, got %s", string(data))
	}
}

func TestSittingTransitionBodiesAreOptional(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes", map[string]any{
		"number":       8,
		"scheduled_at": time.Now().UTC().Format(time.RFC3339),
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create sitting: %d %s", res.StatusCode, string(data))
	}
	var sitting domain.Sitting
	_ = json.Unmarshal(data, &sitting)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/pauta", map[string]any{
		"section":     "EXPEDIENTE",
		"action_type": "READING",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add item: %d %s", res.StatusCode, string(data))
	}
	var item domain.AgendaItem
	_ = json.Unmarshal(data, &item)

	// Transitions without a reason post no body at all.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/start", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start without body: %d %s", res.StatusCode, string(data))
	}

	// A reason still travels when given.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/suspend", map[string]any{
		"reason": "quórum em verificação",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suspend with body: %d %s", res.StatusCode, string(data))
	}
	var s domain.Sitting
	_ = json.Unmarshal(data, &s)
	if s.Status != domain.SittingSuspended {
		t.Fatalf("expected SUSPENDED, got %s", s.Status)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/resume", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume without body: %d %s", res.StatusCode, string(data))
	}

	// Finishing an item defaults its status when no body is sent.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pauta/"+item.ID+"/finalizar", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish without body: %d %s", res.StatusCode, string(data))
	}
	var finished domain.AgendaItem
	_ = json.Unmarshal(data, &finished)
	if finished.Status != domain.ItemConcluded {
		t.Fatalf("expected CONCLUDED, got %s", finished.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/conclude", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("conclude without body: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &s)
	if s.Status != domain.SittingConcluded {
		t.Fatalf("expected CONCLUDED sitting, got %s", s.Status)
	}
}

func TestStartRoundOnOtherSittingsItem(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	mkSitting := func(n int) domain.Sitting {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes", map[string]any{
			"number":       n,
			"scheduled_at": time.Now().UTC().Format(time.RFC3339),
		}, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create sitting: %d %s", res.StatusCode, string(data))
		}
		var s domain.Sitting
		_ = json.Unmarshal(data, &s)
		return s
	}
	a := mkSitting(1)
	b := mkSitting(2)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+a.ID+"/pauta", map[string]any{
		"section":     "EXPEDIENTE",
		"action_type": "READING",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add item: %d %s", res.StatusCode, string(data))
	}
	var item domain.AgendaItem
	_ = json.Unmarshal(data, &item)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+b.ID+"/votacao/turno", map[string]any{
		"item_id": item.ID,
	}, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for foreign item, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAgendaEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes", map[string]any{
		"number":       5,
		"scheduled_at": time.Now().UTC().Format(time.RFC3339),
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create sitting: %d %s", res.StatusCode, string(data))
	}
	var sitting domain.Sitting
	_ = json.Unmarshal(data, &sitting)

	for _, section := range []string{"COMMUNICATIONS", "EXPEDIENTE"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessoes/"+sitting.ID+"/pauta", map[string]any{
			"section":     section,
			"action_type": "READING",
		}, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add %s item: %d %s", section, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessoes/"+sitting.ID+"/pauta", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agenda: %d %s", res.StatusCode, string(data))
	}
	var ag AgendaResponse
	if err := json.Unmarshal(data, &ag); err != nil {
		t.Fatalf("unmarshal agenda: %v", err)
	}
	if len(ag.Items) != 2 || ag.Items[0].Section != domain.SectionExpediente {
		t.Fatalf("expediente should lead the agenda: %+v", ag.Items)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposicoes", map[string]any{
		"category": "requerimento",
		"title":    "gera evento de auditoria",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposition: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/eventos?type=proposicao.protocolada", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []domain.AuditEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].ActorID != "tester" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
