package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"plenario/internal/agenda"
	"plenario/internal/db"
	"plenario/internal/domain"
	"plenario/internal/migrate"
	"plenario/internal/session"
)

type sessionEnv struct {
	sess    session.Service
	ag      agenda.Service
	ctx     context.Context
	now     time.Time
	sitting domain.Sitting
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &sessionEnv{
		sess: session.New(conn),
		ag:   agenda.New(conn),
		ctx:  context.Background(),
		now:  time.Date(2026, 4, 6, 19, 0, 0, 0, time.UTC),
	}
	env.sess.Now = func() time.Time { return env.now }
	sitting, err := env.sess.Schedule(env.ctx, 7, env.now, "mesa")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	env.sitting = sitting
	return env
}

func (env *sessionEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *sessionEnv) addItem(t *testing.T) domain.AgendaItem {
	t.Helper()
	it, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:  env.sitting.ID,
		Section:    domain.SectionExpediente,
		ActionType: domain.ActionReading,
		ActorID:    "mesa",
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	return it
}

func sessionCode(t *testing.T, err error) string {
	t.Helper()
	var ve session.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	return ve.Code
}

func TestSittingStateMachine(t *testing.T) {
	env := newSessionEnv(t)

	// Cannot suspend or conclude before opening.
	_, err := env.sess.Suspend(env.ctx, env.sitting.ID, "mesa", "")
	if code := sessionCode(t, err); code != "bad_transition" {
		t.Fatalf("expected bad_transition, got %s", code)
	}

	s, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != domain.SittingInProgress || s.StartedAt == nil {
		t.Fatalf("unexpected sitting after start: %+v", s)
	}
	// Starting twice is rejected.
	_, err = env.sess.Start(env.ctx, env.sitting.ID, "mesa")
	if code := sessionCode(t, err); code != "bad_transition" {
		t.Fatalf("expected bad_transition on double start, got %s", code)
	}

	if s, err = env.sess.Suspend(env.ctx, env.sitting.ID, "mesa", "tumulto no plenário"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if s.Status != domain.SittingSuspended {
		t.Fatalf("expected SUSPENDED, got %s", s.Status)
	}
	if s, err = env.sess.Resume(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.Status != domain.SittingInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", s.Status)
	}
	if s, err = env.sess.Conclude(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if s.Status != domain.SittingConcluded || s.FinishedAt == nil {
		t.Fatalf("unexpected sitting after conclude: %+v", s)
	}

	// Terminal states are sticky.
	_, err = env.sess.Cancel(env.ctx, env.sitting.ID, "mesa", "")
	if code := sessionCode(t, err); code != "bad_transition" {
		t.Fatalf("expected bad_transition after conclude, got %s", code)
	}
}

func TestStartSelectsFirstPendingItem(t *testing.T) {
	env := newSessionEnv(t)

	// Communications comes after expediente in display order, whatever
	// the insertion order was.
	comm, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:  env.sitting.ID,
		Section:    domain.SectionCommunications,
		ActionType: domain.ActionDiscussion,
		ActorID:    "mesa",
	})
	if err != nil {
		t.Fatalf("add communications item: %v", err)
	}
	exp := env.addItem(t)

	s, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.CurrentItemID == nil {
		t.Fatalf("start should pick the first pending item")
	}
	if *s.CurrentItemID != exp.ID {
		t.Fatalf("expected expediente item %s current, got %s (communications was %s)", exp.ID, *s.CurrentItemID, comm.ID)
	}
	// Selection alone starts no clock.
	got, err := env.sess.Repo.GetAgendaItem(env.ctx, exp.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.StartedAt != nil || got.Status != domain.ItemPending {
		t.Fatalf("current item must stay pending with a stopped clock: %+v", got)
	}
}

func TestItemClockIsAdditive(t *testing.T) {
	env := newSessionEnv(t)
	it := env.addItem(t)
	if _, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("start sitting: %v", err)
	}

	started, err := env.sess.StartItem(env.ctx, it.ID, "mesa")
	if err != nil {
		t.Fatalf("start item: %v", err)
	}
	if started.Status != domain.ItemInDiscussion || started.StartedAt == nil {
		t.Fatalf("unexpected item after start: %+v", started)
	}

	env.advance(90 * time.Second)
	paused, err := env.sess.PauseItem(env.ctx, it.ID, "mesa")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.AccumulatedSecs != 90 || paused.StartedAt != nil {
		t.Fatalf("expected 90 accumulated secs, got %+v", paused)
	}

	// A second leg adds to the first.
	env.advance(10 * time.Second)
	if _, err := env.sess.StartItem(env.ctx, it.ID, "mesa"); err != nil {
		t.Fatalf("restart item: %v", err)
	}
	env.advance(60 * time.Second)
	done, err := env.sess.FinishItem(env.ctx, it.ID, domain.ItemConcluded, "mesa")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.RealSecs != 150 || done.AccumulatedSecs != 150 {
		t.Fatalf("expected 150 real secs, got %+v", done)
	}
	if done.FinishedAt == nil || done.Status != domain.ItemConcluded {
		t.Fatalf("unexpected finished item: %+v", done)
	}

	sitting, _ := env.sess.GetSitting(env.ctx, env.sitting.ID)
	if sitting.RealSecs != 150 {
		t.Fatalf("sitting real secs should sum items, got %d", sitting.RealSecs)
	}
	if sitting.CurrentItemID != nil {
		t.Fatalf("current item should clear on finish")
	}
}

func TestSuspendPausesRunningItem(t *testing.T) {
	env := newSessionEnv(t)
	it := env.addItem(t)
	if _, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("start sitting: %v", err)
	}
	if _, err := env.sess.StartItem(env.ctx, it.ID, "mesa"); err != nil {
		t.Fatalf("start item: %v", err)
	}

	env.advance(45 * time.Second)
	if _, err := env.sess.Suspend(env.ctx, env.sitting.ID, "mesa", "quórum em verificação"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, err := env.sess.Repo.GetAgendaItem(env.ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.AccumulatedSecs != 45 || got.StartedAt != nil {
		t.Fatalf("item clock should pause with the sitting: %+v", got)
	}

	// Resume does not restart the clock by itself.
	if _, err := env.sess.Resume(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = env.sess.Repo.GetAgendaItem(env.ctx, it.ID)
	if got.StartedAt != nil {
		t.Fatalf("clock must stay paused after resume")
	}
}

func TestOnlyOneRunningItem(t *testing.T) {
	env := newSessionEnv(t)
	first := env.addItem(t)
	second := env.addItem(t)
	if _, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("start sitting: %v", err)
	}
	if _, err := env.sess.StartItem(env.ctx, first.ID, "mesa"); err != nil {
		t.Fatalf("start first: %v", err)
	}
	_, err := env.sess.StartItem(env.ctx, second.ID, "mesa")
	if code := sessionCode(t, err); code != "item_running" {
		t.Fatalf("expected item_running, got %s", code)
	}

	// After pausing the first, the second may start.
	if _, err := env.sess.PauseItem(env.ctx, first.ID, "mesa"); err != nil {
		t.Fatalf("pause first: %v", err)
	}
	if _, err := env.sess.StartItem(env.ctx, second.ID, "mesa"); err != nil {
		t.Fatalf("start second: %v", err)
	}
}

func TestConcludeFinishesRunningItem(t *testing.T) {
	env := newSessionEnv(t)
	it := env.addItem(t)
	if _, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("start sitting: %v", err)
	}
	if _, err := env.sess.StartItem(env.ctx, it.ID, "mesa"); err != nil {
		t.Fatalf("start item: %v", err)
	}
	env.advance(120 * time.Second)

	s, err := env.sess.Conclude(env.ctx, env.sitting.ID, "mesa")
	if err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if s.CurrentItemID != nil || s.RealSecs != 120 {
		t.Fatalf("unexpected sitting after conclude: %+v", s)
	}
	got, _ := env.sess.Repo.GetAgendaItem(env.ctx, it.ID)
	if got.Status != domain.ItemConcluded || got.RealSecs != 120 {
		t.Fatalf("running item should finish with the sitting: %+v", got)
	}
}

func TestFinishRejectsNonFinalStatus(t *testing.T) {
	env := newSessionEnv(t)
	it := env.addItem(t)
	if _, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("start sitting: %v", err)
	}
	_, err := env.sess.FinishItem(env.ctx, it.ID, domain.ItemInDiscussion, "mesa")
	if code := sessionCode(t, err); code != "invalid_status" {
		t.Fatalf("expected invalid_status, got %s", code)
	}

	// Postponing never started items is allowed; their clock reads zero.
	done, err := env.sess.FinishItem(env.ctx, it.ID, domain.ItemPostponed, "mesa")
	if err != nil {
		t.Fatalf("postpone: %v", err)
	}
	if done.Status != domain.ItemPostponed || done.RealSecs != 0 {
		t.Fatalf("unexpected postponed item: %+v", done)
	}
}
