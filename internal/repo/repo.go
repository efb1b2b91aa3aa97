package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"plenario/internal/config"
	"plenario/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProposition(ctx context.Context, tx *sql.Tx, p domain.Proposition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO propositions(id,category,title,summary,status,outcome,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Category, p.Title, nullable(p.Summary), string(p.Status), outcomePtr(p.Outcome), p.CreatedAt)
	return err
}

func (r Repo) UpdateProposition(ctx context.Context, tx *sql.Tx, p domain.Proposition) error {
	res, err := tx.ExecContext(ctx, `UPDATE propositions SET status=?, outcome=? WHERE id=?`,
		string(p.Status), outcomePtr(p.Outcome), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProposition(scan func(...any) error) (domain.Proposition, error) {
	var p domain.Proposition
	var summary, outcome sql.NullString
	var status string
	err := scan(&p.ID, &p.Category, &p.Title, &summary, &status, &outcome, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.PropositionStatus(status)
	if summary.Valid {
		p.Summary = summary.String
	}
	if outcome.Valid {
		o := domain.StageOutcome(outcome.String)
		p.Outcome = &o
	}
	return p, nil
}

const propositionCols = `id,category,title,summary,status,outcome,created_at`

func (r Repo) GetProposition(ctx context.Context, id string) (domain.Proposition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+propositionCols+` FROM propositions WHERE id=?`, id)
	return scanProposition(row.Scan)
}

func (r Repo) GetPropositionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposition, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+propositionCols+` FROM propositions WHERE id=?`, id)
	return scanProposition(row.Scan)
}

type PropositionFilters struct {
	Category string
	Status   string
	Limit    int
}

func (r Repo) ListPropositions(ctx context.Context, f PropositionFilters) ([]domain.Proposition, error) {
	var clauses []string
	var args []any
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + propositionCols + ` FROM propositions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposition
	for rows.Next() {
		p, err := scanProposition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const tramitacaoCols = `id,proposition_id,category,stage_index,stage_name,unit_id,responsible_id,status,outcome,opinion,entered_at,exited_at,deadline_at`

func scanTramitacao(scan func(...any) error) (domain.Tramitacao, error) {
	var t domain.Tramitacao
	var responsible, outcome, opinion, exited, deadline sql.NullString
	var status string
	err := scan(&t.ID, &t.PropositionID, &t.Category, &t.StageIndex, &t.StageName, &t.UnitID,
		&responsible, &status, &outcome, &opinion, &t.EnteredAt, &exited, &deadline)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TramitacaoStatus(status)
	if responsible.Valid {
		t.ResponsibleID = &responsible.String
	}
	if outcome.Valid {
		o := domain.StageOutcome(outcome.String)
		t.Outcome = &o
	}
	if opinion.Valid {
		t.Opinion = &opinion.String
	}
	if exited.Valid {
		t.ExitedAt = &exited.String
	}
	if deadline.Valid {
		t.DeadlineAt = &deadline.String
	}
	return t, nil
}

func (r Repo) InsertTramitacao(ctx context.Context, tx *sql.Tx, t domain.Tramitacao) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tramitacoes(`+tramitacaoCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PropositionID, t.Category, t.StageIndex, t.StageName, t.UnitID,
		nullableStringPtr(t.ResponsibleID), string(t.Status), outcomePtr(t.Outcome), nullableStringPtr(t.Opinion),
		t.EnteredAt, nullableStringPtr(t.ExitedAt), nullableStringPtr(t.DeadlineAt))
	return err
}

func (r Repo) UpdateTramitacao(ctx context.Context, tx *sql.Tx, t domain.Tramitacao) error {
	res, err := tx.ExecContext(ctx, `UPDATE tramitacoes SET responsible_id=?, status=?, outcome=?, opinion=?, exited_at=?, deadline_at=? WHERE id=?`,
		nullableStringPtr(t.ResponsibleID), string(t.Status), outcomePtr(t.Outcome), nullableStringPtr(t.Opinion),
		nullableStringPtr(t.ExitedAt), nullableStringPtr(t.DeadlineAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTramitacao(ctx context.Context, id string) (domain.Tramitacao, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tramitacaoCols+` FROM tramitacoes WHERE id=?`, id)
	return scanTramitacao(row.Scan)
}

func (r Repo) GetTramitacaoTx(ctx context.Context, tx *sql.Tx, id string) (domain.Tramitacao, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tramitacaoCols+` FROM tramitacoes WHERE id=?`, id)
	return scanTramitacao(row.Scan)
}

// OpenTramitacaoTx returns the single IN_PROGRESS instance for a
// proposition, if any.
func (r Repo) OpenTramitacaoTx(ctx context.Context, tx *sql.Tx, propositionID string) (domain.Tramitacao, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tramitacaoCols+` FROM tramitacoes WHERE proposition_id=? AND status='IN_PROGRESS'`, propositionID)
	return scanTramitacao(row.Scan)
}

func (r Repo) ListTramitacoes(ctx context.Context, propositionID string) ([]domain.Tramitacao, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tramitacaoCols+` FROM tramitacoes WHERE proposition_id=? ORDER BY entered_at ASC, id ASC`, propositionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tramitacao
	for rows.Next() {
		t, err := scanTramitacao(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// HasConcludedOpinion reports whether the proposition has a concluded
// opinion-bearing stage instance with a recorded opinion. Used as the
// floor-scheduling gate.
func (r Repo) HasConcludedOpinion(ctx context.Context, propositionID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tramitacoes WHERE proposition_id=? AND status='CONCLUDED' AND opinion IS NOT NULL AND opinion != '' LIMIT 1`, propositionID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertStageHistory(ctx context.Context, tx *sql.Tx, h domain.StageHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_history(id,tramitacao_id,proposition_id,action,description,actor_id,before_json,after_json,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.TramitacaoID, h.PropositionID, h.Action, nullable(h.Description), h.ActorID,
		nullable(h.BeforeJSON), nullable(h.AfterJSON), h.TS)
	return err
}

func (r Repo) ListStageHistory(ctx context.Context, tramitacaoID string) ([]domain.StageHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tramitacao_id,proposition_id,action,COALESCE(description,''),actor_id,COALESCE(before_json,''),COALESCE(after_json,''),ts FROM stage_history WHERE tramitacao_id=? ORDER BY ts ASC, id ASC`, tramitacaoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageHistory
	for rows.Next() {
		var h domain.StageHistory
		if err := rows.Scan(&h.ID, &h.TramitacaoID, &h.PropositionID, &h.Action, &h.Description, &h.ActorID, &h.BeforeJSON, &h.AfterJSON, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) UpsertChamberConfig(ctx context.Context, chamberID string, cfg *config.Config) error {
	return upsertChamberConfig(ctx, r.DB, nil, chamberID, cfg)
}

func (r Repo) UpsertChamberConfigTx(ctx context.Context, tx *sql.Tx, chamberID string, cfg *config.Config) error {
	return upsertChamberConfig(ctx, nil, tx, chamberID, cfg)
}

func upsertChamberConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, chamberID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Chamber.ID = chamberID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO chamber_configs(chamber_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(chamber_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, chamberID, string(payload), now, now)
	return err
}

func (r Repo) GetChamberConfig(ctx context.Context, chamberID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM chamber_configs WHERE chamber_id=?`, chamberID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Chamber.ID == "" {
		cfg.Chamber.ID = chamberID
	}
	return &cfg, cfg.Validate()
}

// SingleChamber returns the only configured chamber id, used by the CLI
// when no override is given.
func (r Repo) SingleChamber(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT chamber_id FROM chamber_configs`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("multiple chambers configured; specify --chamber")
	}
	return ids[0], nil
}

func (r Repo) LatestAuditEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditEventsAfter returns audit events with IDs greater than the cursor in
// ascending order, for the webhook dispatcher.
func (r Repo) AuditEventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestAuditEventID returns the most recent audit event ID.
func (r Repo) LatestAuditEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func outcomePtr(o *domain.StageOutcome) any {
	if o == nil {
		return nil
	}
	return string(*o)
}
