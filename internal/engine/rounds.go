package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plenario/internal/audit"
	"plenario/internal/config"
	"plenario/internal/domain"
	"plenario/internal/quorum"
	"plenario/internal/repo"
)

// StartRoundOptions are parameters for opening a voting round.
type StartRoundOptions struct {
	ItemID         string
	Round          int
	PresentMembers int
	ActorID        string
}

// StartRound opens a voting round for a floor-vote agenda item. The quorum
// policy is snapshotted onto the round so later config edits never change
// a vote in flight. A second round only opens after the first was approved
// and the interstice has elapsed.
func (e Engine) StartRound(ctx context.Context, opts StartRoundOptions) (domain.Round, error) {
	if opts.Round < 1 {
		opts.Round = 1
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetAgendaItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.Round{}, err
	}
	if item.Section != domain.SectionFloorVote || item.PropositionID == nil {
		return domain.Round{}, validationErr("not_votable", "item %s is not a floor-vote item", item.ID)
	}
	sitting, err := e.Repo.GetSittingTx(ctx, tx, item.SittingID)
	if err != nil {
		return domain.Round{}, err
	}
	if sitting.Status != domain.SittingInProgress {
		return domain.Round{}, validationErr("sitting_not_open", "sitting %s is %s", sitting.ID, sitting.Status)
	}
	if _, err := e.Repo.OpenRoundTx(ctx, tx, item.ID); err == nil {
		return domain.Round{}, validationErr("round_open", "item %s already has an open round", item.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Round{}, err
	}

	p, err := e.Repo.GetPropositionTx(ctx, tx, *item.PropositionID)
	if err != nil {
		return domain.Round{}, err
	}
	rounds, err := e.Catalog.Rounds(p.Category)
	if err != nil {
		return domain.Round{}, err
	}
	if opts.Round > rounds {
		return domain.Round{}, validationErr("round_out_of_range", "category %s votes in %d round(s)", p.Category, rounds)
	}
	now := e.now().UTC()
	if opts.Round == 2 {
		if err := e.checkInterstice(ctx, tx, p, now); err != nil {
			return domain.Round{}, err
		}
	}
	policy, err := e.Catalog.VoteQuorum(p.Category)
	if err != nil {
		return domain.Round{}, err
	}

	v := domain.Round{
		ID:                  uuid.NewString(),
		SittingID:           item.SittingID,
		ItemID:              item.ID,
		PropositionID:       p.ID,
		Round:               opts.Round,
		QuorumType:          policy.Type,
		QuorumBase:          policy.Base,
		AllowAbstention:     policy.AllowAbstention,
		AbstentionAsAgainst: policy.AbstentionAsAgainst,
		TotalMembers:        e.Config.Chamber.TotalSeats,
		PresentMembers:      opts.PresentMembers,
		Status:              "OPEN",
		OpenedAt:            now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertRound(ctx, tx, v); err != nil {
		return domain.Round{}, err
	}
	if item.Status != domain.ItemInVote {
		item.Status = domain.ItemInVote
		if err := e.Repo.UpdateAgendaItem(ctx, tx, item); err != nil {
			return domain.Round{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, "votacao.aberta", "round", v.ID, opts.ActorID, audit.Payload{
		"item_id":        item.ID,
		"proposition_id": p.ID,
		"round":          v.Round,
	}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	e.Broadcast.Publish("votacao.aberta", v)
	return v, nil
}

// checkInterstice verifies round 1 closed approved and the business-day
// gap has passed. The error names the remaining wait.
func (e Engine) checkInterstice(ctx context.Context, tx *sql.Tx, p domain.Proposition, now time.Time) error {
	all, err := e.Repo.ListRoundsByPropositionTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	var first *domain.Round
	for i := range all {
		if all[i].Round == 1 && all[i].Status == "CLOSED" {
			first = &all[i]
		}
	}
	if first == nil {
		return validationErr("first_round_missing", "proposition %s has no closed first round", p.ID)
	}
	if first.Outcome == nil || *first.Outcome != domain.RoundApproved {
		return validationErr("first_round_not_approved", "first round of %s did not approve", p.ID)
	}
	if first.NextNotBefore == nil {
		return nil
	}
	notBefore, err := time.Parse(time.RFC3339, *first.NextNotBefore)
	if err != nil {
		return err
	}
	if now.Before(notBefore) {
		remaining := e.Calendar.BusinessDaysBetween(now, notBefore)
		if remaining < 1 {
			remaining = 1
		}
		return validationErr("interstice_pending", "interstício não cumprido: faltam %d dia(s) útil(eis), segundo turno a partir de %s", remaining, notBefore.Format("2006-01-02"))
	}
	return nil
}

// TallyOptions carry a vote count update for the open round.
type TallyOptions struct {
	ItemID         string
	Tally          domain.VoteTally
	PresentMembers int
	ActorID        string
}

// UpdateTally replaces the open round's counts. Counts are absolute, not
// deltas; the voting panel posts the full tally on every change.
func (e Engine) UpdateTally(ctx context.Context, opts TallyOptions) (domain.Round, error) {
	if opts.Tally.Yes < 0 || opts.Tally.No < 0 || opts.Tally.Abstain < 0 {
		return domain.Round{}, validationErr("invalid_tally", "vote counts cannot be negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.OpenRoundTx(ctx, tx, opts.ItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Round{}, validationErr("no_open_round", "item %s has no open round", opts.ItemID)
		}
		return domain.Round{}, err
	}
	cast := opts.Tally.Yes + opts.Tally.No + opts.Tally.Abstain
	present := opts.PresentMembers
	if present == 0 {
		present = v.PresentMembers
	}
	if present > 0 && cast > present {
		return domain.Round{}, validationErr("invalid_tally", "%d votes cast but only %d members present", cast, present)
	}
	v.Tally = opts.Tally
	v.PresentMembers = present
	if err := e.Repo.UpdateRound(ctx, tx, v); err != nil {
		return domain.Round{}, err
	}
	if err := e.Audit.Append(ctx, tx, "votacao.atualizada", "round", v.ID, opts.ActorID, audit.Payload{
		"yes": v.Tally.Yes, "no": v.Tally.No, "abstain": v.Tally.Abstain,
	}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	e.Broadcast.Publish("votacao.atualizada", v)
	return v, nil
}

// RegisterPresidingVote records the presiding member's tie-break vote. It
// is only accepted while yes equals no; an ABSTAIN vote is recorded but
// leaves the tie standing.
func (e Engine) RegisterPresidingVote(ctx context.Context, itemID, vote, actorID string) (domain.Round, error) {
	switch vote {
	case "YES", "NO", "ABSTAIN":
	default:
		return domain.Round{}, validationErr("invalid_vote", "presiding vote must be YES, NO or ABSTAIN")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.OpenRoundTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Round{}, validationErr("no_open_round", "item %s has no open round", itemID)
		}
		return domain.Round{}, err
	}
	if v.QuorumType != domain.SimpleMajority {
		return domain.Round{}, validationErr("no_tiebreak", "quorum %s does not admit a tie-break vote", v.QuorumType)
	}
	if v.Tally.Yes != v.Tally.No {
		return domain.Round{}, validationErr("not_tied", "tally is %d x %d, not a tie", v.Tally.Yes, v.Tally.No)
	}
	v.PresidingVote = &vote
	if err := e.Repo.UpdateRound(ctx, tx, v); err != nil {
		return domain.Round{}, err
	}
	if err := e.Audit.Append(ctx, tx, "votacao.voto_presidente", "round", v.ID, actorID, audit.Payload{
		"vote": vote,
	}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	return v, nil
}

// CloseRoundOptions are parameters for closing the open round.
type CloseRoundOptions struct {
	ItemID         string
	ActorID        string
	Override       *domain.RoundOutcome
	OverrideReason string
}

// CloseRound computes the round outcome from the snapshotted quorum policy
// and propagates a final-round result to the agenda item and proposition.
// An override that differs from the computed outcome must carry a reason.
func (e Engine) CloseRound(ctx context.Context, opts CloseRoundOptions) (domain.Round, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Round{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.OpenRoundTx(ctx, tx, opts.ItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Round{}, validationErr("no_open_round", "item %s has no open round", opts.ItemID)
		}
		return domain.Round{}, err
	}
	item, err := e.Repo.GetAgendaItemTx(ctx, tx, v.ItemID)
	if err != nil {
		return domain.Round{}, err
	}
	p, err := e.Repo.GetPropositionTx(ctx, tx, v.PropositionID)
	if err != nil {
		return domain.Round{}, err
	}
	// Rebuild the policy from the round's own snapshot; the live catalog
	// plays no part in the outcome.
	policy := config.QuorumPolicy{
		Type:                v.QuorumType,
		Base:                v.QuorumBase,
		AllowAbstention:     v.AllowAbstention,
		AbstentionAsAgainst: v.AbstentionAsAgainst,
	}

	computed := computeOutcome(policy.Type, quorum.Evaluate(policy, v.Tally, v.TotalMembers, v.PresentMembers), v)
	v.Computed = &computed

	outcome := computed
	if opts.Override != nil && *opts.Override != computed {
		if !opts.Override.Valid() {
			return domain.Round{}, validationErr("invalid_outcome", "override %q is not a round outcome", *opts.Override)
		}
		if opts.OverrideReason == "" {
			return domain.Round{}, validationErr("override_reason_required", "overriding %s with %s requires a reason", computed, *opts.Override)
		}
		outcome = *opts.Override
		v.OverrideReason = &opts.OverrideReason
	}
	v.Outcome = &outcome

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	v.Status = "CLOSED"
	v.ClosedAt = &nowStr

	totalRounds, err := e.Catalog.Rounds(p.Category)
	if err != nil {
		return domain.Round{}, err
	}
	finalRound := v.Round >= totalRounds

	switch {
	case outcome == domain.RoundApproved && !finalRound:
		interstice, err := e.Catalog.IntersticeDays(p.Category)
		if err != nil {
			return domain.Round{}, err
		}
		notBefore := e.Calendar.AddBusinessDays(now, interstice).Format(time.RFC3339)
		v.NextNotBefore = &notBefore
		item.Status = domain.ItemConcluded
	case outcome == domain.RoundApproved:
		item.Status = domain.ItemApproved
		if err := e.concludeFloorStage(ctx, tx, p, domain.OutcomeApproved, opts.ActorID, nowStr); err != nil {
			return domain.Round{}, err
		}
	case outcome == domain.RoundRejected:
		item.Status = domain.ItemRejected
		if err := e.concludeFloorStage(ctx, tx, p, domain.OutcomeRejected, opts.ActorID, nowStr); err != nil {
			return domain.Round{}, err
		}
	default: // TIE never approves; the item ends without resolving the matter
		item.Status = domain.ItemConcluded
	}

	if err := e.Repo.UpdateRound(ctx, tx, v); err != nil {
		return domain.Round{}, err
	}
	if err := e.Repo.UpdateAgendaItem(ctx, tx, item); err != nil {
		return domain.Round{}, err
	}
	if err := e.Audit.Append(ctx, tx, "votacao.encerrada", "round", v.ID, opts.ActorID, audit.Payload{
		"proposition_id": p.ID,
		"round":          v.Round,
		"computed":       string(computed),
		"outcome":        string(outcome),
		"overridden":     v.OverrideReason != nil,
	}); err != nil {
		return domain.Round{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Round{}, err
	}
	e.Broadcast.Publish("votacao.encerrada", v)
	return v, nil
}

// computeOutcome maps a quorum evaluation to a round outcome. Under simple
// majority a drawn tally is a TIE unless the presiding vote resolves it;
// an abstaining presiding vote leaves the tie standing.
func computeOutcome(t domain.QuorumType, res quorum.Result, v domain.Round) domain.RoundOutcome {
	if res.Approved {
		return domain.RoundApproved
	}
	if t == domain.SimpleMajority && v.Tally.Yes == v.Tally.No {
		if v.PresidingVote != nil {
			switch *v.PresidingVote {
			case "YES":
				return domain.RoundApproved
			case "NO":
				return domain.RoundRejected
			}
		}
		return domain.RoundTie
	}
	return domain.RoundRejected
}

// concludeFloorStage closes the proposition's open stage instance with the
// vote's outcome and finalizes the proposition when the flow ends there.
func (e Engine) concludeFloorStage(ctx context.Context, tx *sql.Tx, p domain.Proposition, outcome domain.StageOutcome, actorID, nowStr string) error {
	open, err := e.Repo.OpenTramitacaoTx(ctx, tx, p.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// No open stage: finalize the proposition directly.
			p.Status = statusForOutcome(outcome)
			p.Outcome = &outcome
			return e.Repo.UpdateProposition(ctx, tx, p)
		}
		return err
	}
	open.Status = domain.TramitacaoConcluded
	open.Outcome = &outcome
	open.ExitedAt = &nowStr
	if err := e.Repo.UpdateTramitacao(ctx, tx, open); err != nil {
		return err
	}
	h := domain.StageHistory{
		ID:            uuid.NewString(),
		TramitacaoID:  open.ID,
		PropositionID: p.ID,
		Action:        "FLOOR_VOTE",
		Description:   fmt.Sprintf("deliberação em plenário: %s", outcome),
		ActorID:       actorID,
		TS:            nowStr,
	}
	if err := e.Repo.InsertStageHistory(ctx, tx, h); err != nil {
		return err
	}
	p.Status = statusForOutcome(outcome)
	p.Outcome = &outcome
	return e.Repo.UpdateProposition(ctx, tx, p)
}

// RoundStatus returns all rounds held for an item, oldest first.
func (e Engine) RoundStatus(ctx context.Context, itemID string) ([]domain.Round, error) {
	return e.Repo.ListRounds(ctx, itemID)
}
