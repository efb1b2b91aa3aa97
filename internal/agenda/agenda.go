// Package agenda manages the ordered day plan of a sitting. Positions are
// kept contiguous from 1 inside each section at write time, so reads never
// renumber.
package agenda

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"plenario/internal/audit"
	"plenario/internal/domain"
	"plenario/internal/repo"
)

// OpinionChecker reports whether a proposition already has a concluded
// opinion on record. Floor-vote scheduling is gated on it.
type OpinionChecker interface {
	HasConcludedOpinion(ctx context.Context, propositionID string) (bool, error)
}

type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Opinions OpinionChecker
	Now      func() time.Time
}

func New(db *sql.DB) Service {
	r := repo.Repo{DB: db}
	return Service{
		DB:       db,
		Repo:     r,
		Audit:    audit.Writer{DB: db},
		Opinions: r,
		Now:      time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func validationErr(code, format string, args ...any) error {
	return ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError mirrors the engine's business-rule rejection for agenda
// operations.
type ValidationError struct {
	Code   string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// AddItemOptions are parameters for scheduling an agenda item.
type AddItemOptions struct {
	SittingID     string
	Section       domain.AgendaSection
	ActionType    domain.ActionType
	PropositionID string
	RapporteurID  string
	EstimatedSecs int64
	Position      int
	ActorID       string
}

// AddItem schedules an item into a sitting's section. Position 0 appends;
// any other position inserts there and shifts the rest down. A floor-vote
// item that deliberates on a proposition requires a concluded opinion on
// record; readings and honors pass through.
func (s Service) AddItem(ctx context.Context, opts AddItemOptions) (domain.AgendaItem, error) {
	if !opts.Section.Valid() {
		return domain.AgendaItem{}, validationErr("invalid_section", "unknown section %q", opts.Section)
	}
	if !opts.ActionType.Valid() {
		return domain.AgendaItem{}, validationErr("invalid_action", "unknown action type %q", opts.ActionType)
	}
	if opts.Section == domain.SectionFloorVote && deliberative(opts.ActionType) {
		if opts.PropositionID == "" {
			return domain.AgendaItem{}, validationErr("proposition_required", "floor-vote items need a proposition")
		}
		if err := s.checkOpinion(ctx, opts.PropositionID); err != nil {
			return domain.AgendaItem{}, err
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	defer tx.Rollback()

	sitting, err := s.Repo.GetSittingTx(ctx, tx, opts.SittingID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if sitting.Status.Terminal() {
		return domain.AgendaItem{}, validationErr("sitting_closed", "sitting %s is %s", sitting.ID, sitting.Status)
	}

	it := domain.AgendaItem{
		ID:            uuid.NewString(),
		SittingID:     opts.SittingID,
		Section:       opts.Section,
		Status:        domain.ItemPending,
		ActionType:    opts.ActionType,
		EstimatedSecs: opts.EstimatedSecs,
	}
	if opts.PropositionID != "" {
		it.PropositionID = &opts.PropositionID
	}
	if opts.RapporteurID != "" {
		it.RapporteurID = &opts.RapporteurID
	}

	siblings, err := s.Repo.ListSectionItemsTx(ctx, tx, opts.SittingID, opts.Section)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	pos := opts.Position
	if pos < 1 || pos > len(siblings)+1 {
		pos = len(siblings) + 1
	}
	it.Position = pos
	if err := s.Repo.InsertAgendaItem(ctx, tx, it); err != nil {
		return domain.AgendaItem{}, err
	}
	// Renumber with the new item slotted in.
	ordered := make([]domain.AgendaItem, 0, len(siblings)+1)
	ordered = append(ordered, siblings[:pos-1]...)
	ordered = append(ordered, it)
	ordered = append(ordered, siblings[pos-1:]...)
	if err := s.renumber(ctx, tx, ordered); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := s.refreshEstimate(ctx, tx, sitting); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := s.Audit.Append(ctx, tx, "pauta.item_adicionado", "agenda_item", it.ID, opts.ActorID, audit.Payload{
		"sitting_id": it.SittingID,
		"section":    string(it.Section),
		"position":   pos,
	}); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgendaItem{}, err
	}
	it.Position = pos
	return it, nil
}

// deliberative reports whether the action puts the proposition itself
// under deliberation. Only these carry the floor-vote opinion gate.
func deliberative(action domain.ActionType) bool {
	return action == domain.ActionVote || action == domain.ActionDiscussion
}

func (s Service) checkOpinion(ctx context.Context, propositionID string) error {
	ok, err := s.Opinions.HasConcludedOpinion(ctx, propositionID)
	if err != nil {
		return err
	}
	if !ok {
		return validationErr("opinion_missing", "proposition %s has no concluded opinion and cannot go to the floor", propositionID)
	}
	return nil
}

// MoveItem changes an item's position, and optionally its section, then
// renumbers every affected section. Entering the floor-vote section runs
// the same opinion gate as AddItem.
func (s Service) MoveItem(ctx context.Context, itemID string, newSection domain.AgendaSection, newPosition int, actorID string) (domain.AgendaItem, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	defer tx.Rollback()

	it, err := s.Repo.GetAgendaItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if it.Status != domain.ItemPending {
		return domain.AgendaItem{}, validationErr("item_started", "item %s is %s and cannot move", it.ID, it.Status)
	}
	sitting, err := s.Repo.GetSittingTx(ctx, tx, it.SittingID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if sitting.Status.Terminal() {
		return domain.AgendaItem{}, validationErr("sitting_closed", "sitting %s is %s", sitting.ID, sitting.Status)
	}
	oldSection := it.Section
	if newSection == "" {
		newSection = oldSection
	}
	if !newSection.Valid() {
		return domain.AgendaItem{}, validationErr("invalid_section", "unknown section %q", newSection)
	}
	if newSection == domain.SectionFloorVote && oldSection != newSection && deliberative(it.ActionType) {
		if it.PropositionID == nil {
			return domain.AgendaItem{}, validationErr("proposition_required", "floor-vote items need a proposition")
		}
		if err := s.checkOpinion(ctx, *it.PropositionID); err != nil {
			return domain.AgendaItem{}, err
		}
	}

	from, err := s.Repo.ListSectionItemsTx(ctx, tx, it.SittingID, oldSection)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	from = without(from, it.ID)

	target := from
	if newSection != oldSection {
		target, err = s.Repo.ListSectionItemsTx(ctx, tx, it.SittingID, newSection)
		if err != nil {
			return domain.AgendaItem{}, err
		}
	}
	if newPosition < 1 || newPosition > len(target)+1 {
		newPosition = len(target) + 1
	}
	it.Section = newSection
	it.Position = newPosition
	// Write the moved row itself; renumber only touches rows whose
	// position drifted, and this one's already matches.
	if err := s.Repo.UpdateAgendaItem(ctx, tx, it); err != nil {
		return domain.AgendaItem{}, err
	}

	ordered := make([]domain.AgendaItem, 0, len(target)+1)
	ordered = append(ordered, target[:newPosition-1]...)
	ordered = append(ordered, it)
	ordered = append(ordered, target[newPosition-1:]...)
	if err := s.renumber(ctx, tx, ordered); err != nil {
		return domain.AgendaItem{}, err
	}
	if newSection != oldSection {
		if err := s.renumber(ctx, tx, from); err != nil {
			return domain.AgendaItem{}, err
		}
	}
	if err := s.Audit.Append(ctx, tx, "pauta.item_movido", "agenda_item", it.ID, actorID, audit.Payload{
		"section":  string(newSection),
		"position": newPosition,
	}); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgendaItem{}, err
	}
	return it, nil
}

// RemoveItem withdraws a pending item and closes the gap it leaves.
func (s Service) RemoveItem(ctx context.Context, itemID, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	it, err := s.Repo.GetAgendaItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if it.Status != domain.ItemPending {
		return validationErr("item_started", "item %s is %s and cannot be removed", it.ID, it.Status)
	}
	sitting, err := s.Repo.GetSittingTx(ctx, tx, it.SittingID)
	if err != nil {
		return err
	}
	if sitting.Status.Terminal() {
		return validationErr("sitting_closed", "sitting %s is %s", sitting.ID, sitting.Status)
	}
	if err := s.Repo.DeleteAgendaItem(ctx, tx, it.ID); err != nil {
		return err
	}
	rest, err := s.Repo.ListSectionItemsTx(ctx, tx, it.SittingID, it.Section)
	if err != nil {
		return err
	}
	if err := s.renumber(ctx, tx, rest); err != nil {
		return err
	}
	if err := s.refreshEstimate(ctx, tx, sitting); err != nil {
		return err
	}
	if err := s.Audit.Append(ctx, tx, "pauta.item_removido", "agenda_item", it.ID, actorID, audit.Payload{
		"sitting_id": it.SittingID,
		"section":    string(it.Section),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns a sitting's items ordered by section precedence and then
// position.
func (s Service) List(ctx context.Context, sittingID string) ([]domain.AgendaItem, error) {
	items, err := s.Repo.ListAgendaItems(ctx, sittingID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := domain.SectionRank(items[i].Section), domain.SectionRank(items[j].Section)
		if ri != rj {
			return ri < rj
		}
		return items[i].Position < items[j].Position
	})
	return items, nil
}

func without(items []domain.AgendaItem, id string) []domain.AgendaItem {
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

// renumber writes back positions 1..N in slice order, touching only rows
// whose position actually changed.
func (s Service) renumber(ctx context.Context, tx *sql.Tx, items []domain.AgendaItem) error {
	for i := range items {
		want := i + 1
		if items[i].Position == want {
			continue
		}
		items[i].Position = want
		if err := s.Repo.UpdateAgendaItem(ctx, tx, items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s Service) refreshEstimate(ctx context.Context, tx *sql.Tx, sitting domain.Sitting) error {
	total, err := s.Repo.SumEstimatedSecsTx(ctx, tx, sitting.ID)
	if err != nil {
		return err
	}
	if total == sitting.EstimatedSecs {
		return nil
	}
	sitting.EstimatedSecs = total
	err = s.Repo.UpdateSitting(ctx, tx, sitting)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}
