// Package engine implements proposition lifecycle mutations. Every
// mutating operation runs in a single transaction and appends its audit
// entry inside that transaction; if the append fails the operation fails.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plenario/internal/audit"
	"plenario/internal/broadcast"
	"plenario/internal/config"
	"plenario/internal/domain"
	"plenario/internal/flow"
	"plenario/internal/repo"
	"plenario/internal/workdays"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Catalog   flow.Catalog
	Calendar  workdays.Calendar
	Config    *config.Config
	Broadcast *broadcast.Publisher
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Catalog:  flow.NewCatalog(cfg),
		Calendar: workdays.New(cfg.Holidays),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError is a business-rule rejection, distinct from storage or
// configuration failures. The server maps it to 422.
type ValidationError struct {
	Code   string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func validationErr(code, format string, args ...any) error {
	return ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ProtocolOptions are parameters for protocoling a proposition.
type ProtocolOptions struct {
	ID       string
	Category string
	Title    string
	Summary  string
	ActorID  string
}

// Protocol registers a proposition and opens its first stage instance.
func (e Engine) Protocol(ctx context.Context, opts ProtocolOptions) (domain.Proposition, error) {
	if opts.Title == "" {
		return domain.Proposition{}, errors.New("title is required")
	}
	if opts.Category == "" {
		return domain.Proposition{}, errors.New("category is required")
	}
	stages, err := e.Catalog.Template(opts.Category)
	if err != nil {
		return domain.Proposition{}, err
	}
	if len(stages) == 0 {
		return domain.Proposition{}, flow.ConfigurationError{Category: opts.Category}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposition{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Proposition{
		ID:        id,
		Category:  opts.Category,
		Title:     opts.Title,
		Summary:   opts.Summary,
		Status:    domain.PropositionEmTramitacao,
		CreatedAt: nowStr,
	}
	if err := e.Repo.InsertProposition(ctx, tx, p); err != nil {
		return domain.Proposition{}, fmt.Errorf("insert proposition: %w", err)
	}
	t, err := e.openStage(ctx, tx, p, 0, stages[0], now)
	if err != nil {
		return domain.Proposition{}, err
	}
	if err := e.Audit.Append(ctx, tx, "proposicao.protocolada", "proposition", p.ID, opts.ActorID, audit.Payload{
		"category": p.Category,
		"stage":    t.StageName,
	}); err != nil {
		return domain.Proposition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposition{}, err
	}
	return p, nil
}

// openStage inserts a new IN_PROGRESS stage instance snapshotting the
// template fields.
func (e Engine) openStage(ctx context.Context, tx *sql.Tx, p domain.Proposition, index int, tpl config.StageTemplate, now time.Time) (domain.Tramitacao, error) {
	t := domain.Tramitacao{
		ID:            uuid.NewString(),
		PropositionID: p.ID,
		Category:      p.Category,
		StageIndex:    index,
		StageName:     tpl.Name,
		UnitID:        tpl.UnitID,
		Status:        domain.TramitacaoInProgress,
		EnteredAt:     now.Format(time.RFC3339),
	}
	if tpl.DeadlineDays > 0 {
		deadline := e.Calendar.AddBusinessDays(now, tpl.DeadlineDays).Format(time.RFC3339)
		t.DeadlineAt = &deadline
	}
	if err := e.Repo.InsertTramitacao(ctx, tx, t); err != nil {
		return domain.Tramitacao{}, fmt.Errorf("open stage: %w", err)
	}
	return t, nil
}

// AdvanceOptions are parameters for moving a proposition to its next stage.
type AdvanceOptions struct {
	TramitacaoID string
	ActorID      string
	Outcome      domain.StageOutcome
	Opinion      string
	Comment      string
	RuleID       string
	NextStage    *int
}

// Advance closes the open stage instance and opens the next one. An
// explicit NextStage wins over a transition rule, which wins over
// template order. A stage that requires an opinion cannot be left
// without one.
func (e Engine) Advance(ctx context.Context, opts AdvanceOptions) (domain.Tramitacao, error) {
	if !opts.Outcome.Valid() {
		return domain.Tramitacao{}, validationErr("invalid_outcome", "outcome %q is not a stage outcome", opts.Outcome)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTramitacaoTx(ctx, tx, opts.TramitacaoID)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	if cur.Status != domain.TramitacaoInProgress {
		return domain.Tramitacao{}, validationErr("not_in_progress", "stage instance %s is %s", cur.ID, cur.Status)
	}
	tpl, err := e.Catalog.Stage(cur.Category, cur.StageIndex)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	if tpl.RequiresOpinion && opts.Opinion == "" && (cur.Opinion == nil || *cur.Opinion == "") {
		return domain.Tramitacao{}, validationErr("opinion_required", "stage %s requires a recorded opinion before advancing", cur.StageName)
	}
	p, err := e.Repo.GetPropositionTx(ctx, tx, cur.PropositionID)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	if p.Status != domain.PropositionEmTramitacao {
		return domain.Tramitacao{}, validationErr("proposition_finalized", "proposition %s is %s", p.ID, p.Status)
	}

	before, err := json.Marshal(cur)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	cur.Status = domain.TramitacaoConcluded
	cur.Outcome = &opts.Outcome
	cur.ExitedAt = &nowStr
	if opts.Opinion != "" {
		cur.Opinion = &opts.Opinion
	}
	if err := e.Repo.UpdateTramitacao(ctx, tx, cur); err != nil {
		return domain.Tramitacao{}, err
	}

	nextIndex, err := e.resolveNext(cur, opts)
	if err != nil {
		return domain.Tramitacao{}, err
	}

	var next domain.Tramitacao
	stages, err := e.Catalog.Template(cur.Category)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	terminalReached := opts.Outcome == domain.OutcomeRejected || opts.Outcome == domain.OutcomeArchived ||
		tpl.Terminal || nextIndex >= len(stages)
	if terminalReached {
		p.Status = statusForOutcome(opts.Outcome)
		p.Outcome = &opts.Outcome
		if err := e.Repo.UpdateProposition(ctx, tx, p); err != nil {
			return domain.Tramitacao{}, err
		}
		next = cur
	} else {
		next, err = e.openStage(ctx, tx, p, nextIndex, stages[nextIndex], now)
		if err != nil {
			return domain.Tramitacao{}, err
		}
	}

	after, err := json.Marshal(next)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	h := domain.StageHistory{
		ID:            uuid.NewString(),
		TramitacaoID:  cur.ID,
		PropositionID: cur.PropositionID,
		Action:        "ADVANCE",
		Description:   opts.Comment,
		ActorID:       opts.ActorID,
		BeforeJSON:    string(before),
		AfterJSON:     string(after),
		TS:            nowStr,
	}
	if err := e.Repo.InsertStageHistory(ctx, tx, h); err != nil {
		return domain.Tramitacao{}, err
	}
	if err := e.Audit.Append(ctx, tx, "tramitacao.avancada", "tramitacao", cur.ID, opts.ActorID, audit.Payload{
		"proposition_id": cur.PropositionID,
		"from_stage":     cur.StageName,
		"outcome":        string(opts.Outcome),
		"finalized":      terminalReached,
	}); err != nil {
		return domain.Tramitacao{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tramitacao{}, err
	}
	return e.decorate(next), nil
}

// resolveNext picks the next stage index: an explicit target first, then a
// named rule registered for the stage being departed, then template order.
func (e Engine) resolveNext(cur domain.Tramitacao, opts AdvanceOptions) (int, error) {
	if opts.NextStage != nil {
		stages, err := e.Catalog.Template(cur.Category)
		if err != nil {
			return 0, err
		}
		if *opts.NextStage < 0 || *opts.NextStage >= len(stages) {
			return 0, validationErr("unknown_stage", "category %s has no stage %d", cur.Category, *opts.NextStage)
		}
		return *opts.NextStage, nil
	}
	if opts.RuleID == "" {
		return cur.StageIndex + 1, nil
	}
	rule, ok, err := e.Catalog.Rule(cur.Category, opts.RuleID, cur.StageIndex)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, validationErr("unknown_rule", "no rule %q departs stage %d of %s", opts.RuleID, cur.StageIndex, cur.Category)
	}
	return rule.ToStage, nil
}

func statusForOutcome(o domain.StageOutcome) domain.PropositionStatus {
	switch o {
	case domain.OutcomeApproved, domain.OutcomeApprovedAmendments:
		return domain.PropositionAprovada
	case domain.OutcomeRejected:
		return domain.PropositionRejeitada
	case domain.OutcomeArchived:
		return domain.PropositionArquivada
	}
	return domain.PropositionEmTramitacao
}

// Reopen opens a fresh IN_PROGRESS instance at the stage a concluded
// instance ended on. The concluded record keeps its outcome and exit
// timestamp; reopening only works while the proposition is still in
// tramitacao and has no other open instance.
func (e Engine) Reopen(ctx context.Context, tramitacaoID, actorID, reason string) (domain.Tramitacao, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTramitacaoTx(ctx, tx, tramitacaoID)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	if cur.Status != domain.TramitacaoConcluded {
		return domain.Tramitacao{}, validationErr("not_concluded", "stage instance %s is %s", cur.ID, cur.Status)
	}
	p, err := e.Repo.GetPropositionTx(ctx, tx, cur.PropositionID)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	if p.Status != domain.PropositionEmTramitacao {
		return domain.Tramitacao{}, validationErr("proposition_finalized", "proposition %s is %s", p.ID, p.Status)
	}
	if _, err := e.Repo.OpenTramitacaoTx(ctx, tx, cur.PropositionID); err == nil {
		return domain.Tramitacao{}, validationErr("stage_open", "proposition %s already has an open stage instance", p.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Tramitacao{}, err
	}

	before, err := json.Marshal(cur)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	tpl, err := e.Catalog.Stage(cur.Category, cur.StageIndex)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	now := e.now().UTC()
	next, err := e.openStage(ctx, tx, p, cur.StageIndex, tpl, now)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	after, err := json.Marshal(next)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	nowStr := now.Format(time.RFC3339)
	h := domain.StageHistory{
		ID:            uuid.NewString(),
		TramitacaoID:  next.ID,
		PropositionID: cur.PropositionID,
		Action:        "REOPEN",
		Description:   reason,
		ActorID:       actorID,
		BeforeJSON:    string(before),
		AfterJSON:     string(after),
		TS:            nowStr,
	}
	if err := e.Repo.InsertStageHistory(ctx, tx, h); err != nil {
		return domain.Tramitacao{}, err
	}
	if err := e.Audit.Append(ctx, tx, "tramitacao.reaberta", "tramitacao", next.ID, actorID, audit.Payload{
		"proposition_id": cur.PropositionID,
		"reopened_from":  cur.ID,
		"reason":         reason,
	}); err != nil {
		return domain.Tramitacao{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tramitacao{}, err
	}
	return e.decorate(next), nil
}

// Finalize ends a proposition administratively. The open stage instance,
// if any, is cancelled.
func (e Engine) Finalize(ctx context.Context, propositionID, actorID string, outcome domain.StageOutcome, reason string) (domain.Proposition, error) {
	if !outcome.Valid() {
		return domain.Proposition{}, validationErr("invalid_outcome", "outcome %q is not a stage outcome", outcome)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposition{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPropositionTx(ctx, tx, propositionID)
	if err != nil {
		return domain.Proposition{}, err
	}
	if p.Status != domain.PropositionEmTramitacao {
		return domain.Proposition{}, validationErr("proposition_finalized", "proposition %s is %s", p.ID, p.Status)
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	open, err := e.Repo.OpenTramitacaoTx(ctx, tx, p.ID)
	switch {
	case err == nil:
		before, merr := json.Marshal(open)
		if merr != nil {
			return domain.Proposition{}, merr
		}
		open.Status = domain.TramitacaoCancelled
		open.ExitedAt = &nowStr
		if err := e.Repo.UpdateTramitacao(ctx, tx, open); err != nil {
			return domain.Proposition{}, err
		}
		after, merr := json.Marshal(open)
		if merr != nil {
			return domain.Proposition{}, merr
		}
		h := domain.StageHistory{
			ID:            uuid.NewString(),
			TramitacaoID:  open.ID,
			PropositionID: p.ID,
			Action:        "FINALIZE",
			Description:   reason,
			ActorID:       actorID,
			BeforeJSON:    string(before),
			AfterJSON:     string(after),
			TS:            nowStr,
		}
		if err := e.Repo.InsertStageHistory(ctx, tx, h); err != nil {
			return domain.Proposition{}, err
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.Proposition{}, err
	}

	p.Status = statusForOutcome(outcome)
	p.Outcome = &outcome
	if err := e.Repo.UpdateProposition(ctx, tx, p); err != nil {
		return domain.Proposition{}, err
	}
	if err := e.Audit.Append(ctx, tx, "proposicao.finalizada", "proposition", p.ID, actorID, audit.Payload{
		"outcome": string(outcome),
		"reason":  reason,
	}); err != nil {
		return domain.Proposition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposition{}, err
	}
	return p, nil
}

// GetTramitacao returns one stage instance with days-overdue filled in.
func (e Engine) GetTramitacao(ctx context.Context, id string) (domain.Tramitacao, error) {
	t, err := e.Repo.GetTramitacao(ctx, id)
	if err != nil {
		return domain.Tramitacao{}, err
	}
	return e.decorate(t), nil
}

// ListTramitacoes returns a proposition's stage instances, oldest first,
// with days-overdue filled in.
func (e Engine) ListTramitacoes(ctx context.Context, propositionID string) ([]domain.Tramitacao, error) {
	ts, err := e.Repo.ListTramitacoes(ctx, propositionID)
	if err != nil {
		return nil, err
	}
	for i := range ts {
		ts[i] = e.decorate(ts[i])
	}
	return ts, nil
}

// decorate computes DaysOverdue lazily. Only open instances past their
// deadline accrue overdue days.
func (e Engine) decorate(t domain.Tramitacao) domain.Tramitacao {
	t.DaysOverdue = 0
	if t.Status != domain.TramitacaoInProgress || t.DeadlineAt == nil {
		return t
	}
	deadline, err := time.Parse(time.RFC3339, *t.DeadlineAt)
	if err != nil {
		return t
	}
	t.DaysOverdue = e.Calendar.BusinessDaysBetween(deadline, e.now().UTC())
	return t
}
