// Package session drives plenary sittings in real time: the sitting state
// machine and the per-item clock. Item time is additive across pauses;
// real_secs is only fixed when the item finishes.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"plenario/internal/audit"
	"plenario/internal/broadcast"
	"plenario/internal/domain"
	"plenario/internal/repo"
)

type Service struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Broadcast *broadcast.Publisher
	Now       func() time.Time
}

func New(db *sql.DB) Service {
	return Service{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Audit: audit.Writer{DB: db},
		Now:   time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

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

// Schedule creates a sitting in SCHEDULED state.
func (s Service) Schedule(ctx context.Context, number int, scheduledAt time.Time, actorID string) (domain.Sitting, error) {
	if number < 1 {
		return domain.Sitting{}, validationErr("invalid_number", "sitting number must be positive")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Sitting{}, err
	}
	defer tx.Rollback()

	sitting := domain.Sitting{
		ID:          uuid.NewString(),
		Number:      number,
		Status:      domain.SittingScheduled,
		ScheduledAt: scheduledAt.UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertSitting(ctx, tx, sitting); err != nil {
		return domain.Sitting{}, err
	}
	if err := s.Audit.Append(ctx, tx, "sessao.agendada", "sitting", sitting.ID, actorID, audit.Payload{
		"number": number,
	}); err != nil {
		return domain.Sitting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Sitting{}, err
	}
	return sitting, nil
}

// Start opens a scheduled sitting and points it at the first pending
// agenda item, by section precedence then position. The item's clock
// stays stopped until StartItem.
func (s Service) Start(ctx context.Context, sittingID, actorID string) (domain.Sitting, error) {
	return s.transition(ctx, sittingID, actorID, "sessao.aberta", func(sitting *domain.Sitting, now time.Time) error {
		if sitting.Status != domain.SittingScheduled {
			return validationErr("bad_transition", "sitting %s is %s, not SCHEDULED", sitting.ID, sitting.Status)
		}
		sitting.Status = domain.SittingInProgress
		started := now.Format(time.RFC3339)
		sitting.StartedAt = &started
		return nil
	}, func(ctx context.Context, tx *sql.Tx, sitting *domain.Sitting, now time.Time) error {
		items, err := s.Repo.ListAgendaItemsTx(ctx, tx, sitting.ID)
		if err != nil {
			return err
		}
		sort.SliceStable(items, func(i, j int) bool {
			ri, rj := domain.SectionRank(items[i].Section), domain.SectionRank(items[j].Section)
			if ri != rj {
				return ri < rj
			}
			return items[i].Position < items[j].Position
		})
		for i := range items {
			if items[i].Status == domain.ItemPending {
				sitting.CurrentItemID = &items[i].ID
				break
			}
		}
		return nil
	})
}

// Suspend pauses an open sitting. A running item is paused with it, its
// elapsed time folded into the accumulator.
func (s Service) Suspend(ctx context.Context, sittingID, actorID, reason string) (domain.Sitting, error) {
	return s.transition(ctx, sittingID, actorID, "sessao.suspensa", func(sitting *domain.Sitting, now time.Time) error {
		if sitting.Status != domain.SittingInProgress {
			return validationErr("bad_transition", "sitting %s is %s, not IN_PROGRESS", sitting.ID, sitting.Status)
		}
		sitting.Status = domain.SittingSuspended
		return nil
	}, func(ctx context.Context, tx *sql.Tx, sitting *domain.Sitting, now time.Time) error {
		if sitting.CurrentItemID == nil {
			return nil
		}
		item, err := s.Repo.GetAgendaItemTx(ctx, tx, *sitting.CurrentItemID)
		if err != nil {
			return err
		}
		if item.StartedAt == nil {
			return nil
		}
		pauseClock(&item, now)
		return s.Repo.UpdateAgendaItem(ctx, tx, item)
	})
}

// Resume reopens a suspended sitting. The current item's clock stays
// paused until StartItem is called again.
func (s Service) Resume(ctx context.Context, sittingID, actorID string) (domain.Sitting, error) {
	return s.transition(ctx, sittingID, actorID, "sessao.retomada", func(sitting *domain.Sitting, now time.Time) error {
		if sitting.Status != domain.SittingSuspended {
			return validationErr("bad_transition", "sitting %s is %s, not SUSPENDED", sitting.ID, sitting.Status)
		}
		sitting.Status = domain.SittingInProgress
		return nil
	}, nil)
}

// Conclude closes a sitting. A still-running item is finished as
// CONCLUDED, and the sitting's realized time becomes the sum of its items'.
func (s Service) Conclude(ctx context.Context, sittingID, actorID string) (domain.Sitting, error) {
	return s.transition(ctx, sittingID, actorID, "sessao.encerrada", func(sitting *domain.Sitting, now time.Time) error {
		if sitting.Status != domain.SittingInProgress && sitting.Status != domain.SittingSuspended {
			return validationErr("bad_transition", "sitting %s is %s", sitting.ID, sitting.Status)
		}
		sitting.Status = domain.SittingConcluded
		finished := now.Format(time.RFC3339)
		sitting.FinishedAt = &finished
		return nil
	}, func(ctx context.Context, tx *sql.Tx, sitting *domain.Sitting, now time.Time) error {
		if sitting.CurrentItemID != nil {
			item, err := s.Repo.GetAgendaItemTx(ctx, tx, *sitting.CurrentItemID)
			if err != nil {
				return err
			}
			if !item.Status.Final() {
				finishClock(&item, domain.ItemConcluded, now)
				if err := s.Repo.UpdateAgendaItem(ctx, tx, item); err != nil {
					return err
				}
			}
			sitting.CurrentItemID = nil
		}
		real, err := s.Repo.SumRealSecsTx(ctx, tx, sitting.ID)
		if err != nil {
			return err
		}
		sitting.RealSecs = real
		return nil
	})
}

// Cancel voids a sitting that has not concluded.
func (s Service) Cancel(ctx context.Context, sittingID, actorID, reason string) (domain.Sitting, error) {
	return s.transition(ctx, sittingID, actorID, "sessao.cancelada", func(sitting *domain.Sitting, now time.Time) error {
		if sitting.Status.Terminal() {
			return validationErr("bad_transition", "sitting %s is %s", sitting.ID, sitting.Status)
		}
		sitting.Status = domain.SittingCancelled
		finished := now.Format(time.RFC3339)
		sitting.FinishedAt = &finished
		sitting.CurrentItemID = nil
		return nil
	}, nil)
}

// transition runs one sitting state change in a transaction. The optional
// extra step runs after the state change with the updated sitting.
func (s Service) transition(ctx context.Context, sittingID, actorID, event string,
	change func(*domain.Sitting, time.Time) error,
	extra func(context.Context, *sql.Tx, *domain.Sitting, time.Time) error) (domain.Sitting, error) {

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Sitting{}, err
	}
	defer tx.Rollback()

	sitting, err := s.Repo.GetSittingTx(ctx, tx, sittingID)
	if err != nil {
		return domain.Sitting{}, err
	}
	now := s.now().UTC()
	before := sitting.Status
	if err := change(&sitting, now); err != nil {
		return domain.Sitting{}, err
	}
	if extra != nil {
		if err := extra(ctx, tx, &sitting, now); err != nil {
			return domain.Sitting{}, err
		}
	}
	if err := s.Repo.UpdateSitting(ctx, tx, sitting); err != nil {
		return domain.Sitting{}, err
	}
	if err := s.Audit.Append(ctx, tx, event, "sitting", sitting.ID, actorID, audit.Payload{
		"from": string(before),
		"to":   string(sitting.Status),
	}); err != nil {
		return domain.Sitting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Sitting{}, err
	}
	s.Broadcast.Publish("sessao."+string(sitting.Status), sitting)
	return sitting, nil
}

// StartItem starts, or restarts after a pause, an item's clock and makes
// it the sitting's current item.
func (s Service) StartItem(ctx context.Context, itemID, actorID string) (domain.AgendaItem, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	defer tx.Rollback()

	item, err := s.Repo.GetAgendaItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if item.Status.Final() {
		return domain.AgendaItem{}, validationErr("item_finished", "item %s is %s", item.ID, item.Status)
	}
	if item.StartedAt != nil {
		return domain.AgendaItem{}, validationErr("item_running", "item %s clock is already running", item.ID)
	}
	sitting, err := s.Repo.GetSittingTx(ctx, tx, item.SittingID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if sitting.Status != domain.SittingInProgress {
		return domain.AgendaItem{}, validationErr("sitting_not_open", "sitting %s is %s", sitting.ID, sitting.Status)
	}
	if sitting.CurrentItemID != nil && *sitting.CurrentItemID != item.ID {
		prev, err := s.Repo.GetAgendaItemTx(ctx, tx, *sitting.CurrentItemID)
		if err == nil && prev.StartedAt != nil {
			return domain.AgendaItem{}, validationErr("item_running", "item %s is still running", prev.ID)
		}
	}

	now := s.now().UTC()
	started := now.Format(time.RFC3339)
	item.StartedAt = &started
	if item.Status == domain.ItemPending {
		item.Status = domain.ItemInDiscussion
	}
	if err := s.Repo.UpdateAgendaItem(ctx, tx, item); err != nil {
		return domain.AgendaItem{}, err
	}
	sitting.CurrentItemID = &item.ID
	if err := s.Repo.UpdateSitting(ctx, tx, sitting); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := s.Audit.Append(ctx, tx, "pauta.item_iniciado", "agenda_item", item.ID, actorID, audit.Payload{
		"sitting_id": item.SittingID,
	}); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgendaItem{}, err
	}
	s.Broadcast.Publish("pauta.item_iniciado", item)
	return item, nil
}

// PauseItem stops the clock without finishing the item. Elapsed time is
// folded into the accumulator so a later restart adds to it.
func (s Service) PauseItem(ctx context.Context, itemID, actorID string) (domain.AgendaItem, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	defer tx.Rollback()

	item, err := s.Repo.GetAgendaItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if item.StartedAt == nil {
		return domain.AgendaItem{}, validationErr("item_not_running", "item %s clock is not running", item.ID)
	}
	now := s.now().UTC()
	pauseClock(&item, now)
	if err := s.Repo.UpdateAgendaItem(ctx, tx, item); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := s.Audit.Append(ctx, tx, "pauta.item_pausado", "agenda_item", item.ID, actorID, audit.Payload{
		"accumulated_secs": item.AccumulatedSecs,
	}); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgendaItem{}, err
	}
	s.Broadcast.Publish("pauta.item_pausado", item)
	return item, nil
}

// FinishItem ends an item with a final status, fixing its realized time
// and refreshing the sitting totals.
func (s Service) FinishItem(ctx context.Context, itemID string, status domain.ItemStatus, actorID string) (domain.AgendaItem, error) {
	if status == "" {
		status = domain.ItemConcluded
	}
	if !status.Final() {
		return domain.AgendaItem{}, validationErr("invalid_status", "%s is not a final item status", status)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	defer tx.Rollback()

	item, err := s.Repo.GetAgendaItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if item.Status.Final() {
		return domain.AgendaItem{}, validationErr("item_finished", "item %s is already %s", item.ID, item.Status)
	}
	now := s.now().UTC()
	finishClock(&item, status, now)
	if err := s.Repo.UpdateAgendaItem(ctx, tx, item); err != nil {
		return domain.AgendaItem{}, err
	}
	sitting, err := s.Repo.GetSittingTx(ctx, tx, item.SittingID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	if sitting.CurrentItemID != nil && *sitting.CurrentItemID == item.ID {
		sitting.CurrentItemID = nil
	}
	real, err := s.Repo.SumRealSecsTx(ctx, tx, sitting.ID)
	if err != nil {
		return domain.AgendaItem{}, err
	}
	sitting.RealSecs = real
	if err := s.Repo.UpdateSitting(ctx, tx, sitting); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := s.Audit.Append(ctx, tx, "pauta.item_finalizado", "agenda_item", item.ID, actorID, audit.Payload{
		"status":    string(status),
		"real_secs": item.RealSecs,
	}); err != nil {
		return domain.AgendaItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgendaItem{}, err
	}
	s.Broadcast.Publish("pauta.item_finalizado", item)
	return item, nil
}

// GetSitting returns one sitting.
func (s Service) GetSitting(ctx context.Context, id string) (domain.Sitting, error) {
	return s.Repo.GetSitting(ctx, id)
}

// ListSittings returns the most recent sittings.
func (s Service) ListSittings(ctx context.Context, limit int) ([]domain.Sitting, error) {
	return s.Repo.ListSittings(ctx, limit)
}

// pauseClock folds elapsed time into the accumulator and stops the clock.
func pauseClock(item *domain.AgendaItem, now time.Time) {
	if item.StartedAt == nil {
		return
	}
	started, err := time.Parse(time.RFC3339, *item.StartedAt)
	if err == nil {
		elapsed := int64(now.Sub(started).Seconds())
		if elapsed > 0 {
			item.AccumulatedSecs += elapsed
		}
	}
	item.StartedAt = nil
}

// finishClock ends the item: any running time is accumulated, realized
// time is fixed, and the final status applied.
func finishClock(item *domain.AgendaItem, status domain.ItemStatus, now time.Time) {
	pauseClock(item, now)
	item.RealSecs = item.AccumulatedSecs
	item.Status = status
	finished := now.Format(time.RFC3339)
	item.FinishedAt = &finished
}
