package agenda_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"plenario/internal/agenda"
	"plenario/internal/db"
	"plenario/internal/domain"
	"plenario/internal/migrate"
	"plenario/internal/session"
)

type agendaEnv struct {
	ag      agenda.Service
	sess    session.Service
	ctx     context.Context
	sitting domain.Sitting
}

func newAgendaEnv(t *testing.T) *agendaEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &agendaEnv{
		ag:   agenda.New(conn),
		sess: session.New(conn),
		ctx:  context.Background(),
	}
	sitting, err := env.sess.Schedule(env.ctx, 12, time.Date(2026, 4, 6, 19, 0, 0, 0, time.UTC), "mesa")
	if err != nil {
		t.Fatalf("schedule sitting: %v", err)
	}
	env.sitting = sitting
	return env
}

func (env *agendaEnv) add(t *testing.T, section domain.AgendaSection, action domain.ActionType, position int) domain.AgendaItem {
	t.Helper()
	it, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:  env.sitting.ID,
		Section:    section,
		ActionType: action,
		Position:   position,
		ActorID:    "mesa",
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	return it
}

func (env *agendaEnv) sectionPositions(t *testing.T, section domain.AgendaSection) map[string]int {
	t.Helper()
	items, err := env.ag.List(env.ctx, env.sitting.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := map[string]int{}
	for _, it := range items {
		if it.Section == section {
			got[it.ID] = it.Position
		}
	}
	return got
}

func agendaCode(t *testing.T, err error) string {
	t.Helper()
	var ve agenda.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	return ve.Code
}

func TestAddKeepsPositionsContiguous(t *testing.T) {
	env := newAgendaEnv(t)
	a := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	b := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	c := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)

	// Inserting at position 2 shifts the rest down.
	d := env.add(t, domain.SectionExpediente, domain.ActionReading, 2)

	pos := env.sectionPositions(t, domain.SectionExpediente)
	want := map[string]int{a.ID: 1, d.ID: 2, b.ID: 3, c.ID: 4}
	for id, p := range want {
		if pos[id] != p {
			t.Fatalf("positions %v, want %v", pos, want)
		}
	}

	// An out-of-range position appends.
	e := env.add(t, domain.SectionExpediente, domain.ActionReading, 99)
	if env.sectionPositions(t, domain.SectionExpediente)[e.ID] != 5 {
		t.Fatalf("expected append at 5")
	}
}

func TestMoveWithinAndAcrossSections(t *testing.T) {
	env := newAgendaEnv(t)
	a := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	b := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	c := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)

	// c to the top of its own section.
	if _, err := env.ag.MoveItem(env.ctx, c.ID, "", 1, "mesa"); err != nil {
		t.Fatalf("move: %v", err)
	}
	pos := env.sectionPositions(t, domain.SectionExpediente)
	if pos[c.ID] != 1 || pos[a.ID] != 2 || pos[b.ID] != 3 {
		t.Fatalf("unexpected positions after move: %v", pos)
	}

	// b to another section closes the gap it leaves.
	moved, err := env.ag.MoveItem(env.ctx, b.ID, domain.SectionCommunications, 1, "mesa")
	if err != nil {
		t.Fatalf("move across sections: %v", err)
	}
	if moved.Section != domain.SectionCommunications || moved.Position != 1 {
		t.Fatalf("unexpected moved item: %+v", moved)
	}
	// The stored row, not just the returned value, must carry the move.
	if pos := env.sectionPositions(t, domain.SectionCommunications); pos[b.ID] != 1 {
		t.Fatalf("moved item not persisted in target section: %v", pos)
	}
	pos = env.sectionPositions(t, domain.SectionExpediente)
	if pos[c.ID] != 1 || pos[a.ID] != 2 {
		t.Fatalf("source section not renumbered: %v", pos)
	}
}

func TestMoveToTopPersistsEveryRow(t *testing.T) {
	env := newAgendaEnv(t)
	a := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	b := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	c := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)

	// The last item jumps to the head; every row, the moved one included,
	// must land renumbered in the database.
	if _, err := env.ag.MoveItem(env.ctx, c.ID, "", 1, "mesa"); err != nil {
		t.Fatalf("move: %v", err)
	}
	pos := env.sectionPositions(t, domain.SectionExpediente)
	want := map[string]int{c.ID: 1, a.ID: 2, b.ID: 3}
	for id, p := range want {
		if pos[id] != p {
			t.Fatalf("positions %v, want %v", pos, want)
		}
	}
}

func TestRemoveClosesGap(t *testing.T) {
	env := newAgendaEnv(t)
	a := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	b := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	c := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)

	if err := env.ag.RemoveItem(env.ctx, b.ID, "mesa"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	pos := env.sectionPositions(t, domain.SectionExpediente)
	if len(pos) != 2 || pos[a.ID] != 1 || pos[c.ID] != 2 {
		t.Fatalf("unexpected positions after removal: %v", pos)
	}
}

func TestListOrdersBySectionPrecedence(t *testing.T) {
	env := newAgendaEnv(t)
	comm := env.add(t, domain.SectionCommunications, domain.ActionDiscussion, 0)
	exp := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	honors := env.add(t, domain.SectionHonors, domain.ActionHonor, 0)

	items, err := env.ag.List(env.ctx, env.sitting.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].ID != exp.ID || items[1].ID != comm.ID || items[2].ID != honors.ID {
		t.Fatalf("wrong display order: %v %v %v", items[0].Section, items[1].Section, items[2].Section)
	}
}

func TestFloorVoteRequiresConcludedOpinion(t *testing.T) {
	env := newAgendaEnv(t)

	_, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:  env.sitting.ID,
		Section:    domain.SectionFloorVote,
		ActionType: domain.ActionVote,
		ActorID:    "mesa",
	})
	if code := agendaCode(t, err); code != "proposition_required" {
		t.Fatalf("expected proposition_required, got %s", code)
	}

	// A proposition without any concluded opinion cannot go to the floor.
	propID := seedProposition(t, env, "")
	_, err = env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:     env.sitting.ID,
		Section:       domain.SectionFloorVote,
		ActionType:    domain.ActionVote,
		PropositionID: propID,
		ActorID:       "mesa",
	})
	if code := agendaCode(t, err); code != "opinion_missing" {
		t.Fatalf("expected opinion_missing, got %s", code)
	}

	withOpinion := seedProposition(t, env, "parecer favorável da CCJ")
	it, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:     env.sitting.ID,
		Section:       domain.SectionFloorVote,
		ActionType:    domain.ActionVote,
		PropositionID: withOpinion,
		ActorID:       "mesa",
	})
	if err != nil {
		t.Fatalf("add floor-vote item: %v", err)
	}
	if it.PropositionID == nil || *it.PropositionID != withOpinion {
		t.Fatalf("unexpected item: %+v", it)
	}
}

func TestMoveIntoFloorVoteRunsOpinionGate(t *testing.T) {
	env := newAgendaEnv(t)

	// A vote item parked outside the floor section, its proposition still
	// without a concluded opinion.
	noOpinion := seedProposition(t, env, "")
	parked, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:     env.sitting.ID,
		Section:       domain.SectionOther,
		ActionType:    domain.ActionVote,
		PropositionID: noOpinion,
		ActorID:       "mesa",
	})
	if err != nil {
		t.Fatalf("add parked item: %v", err)
	}
	_, err = env.ag.MoveItem(env.ctx, parked.ID, domain.SectionFloorVote, 1, "mesa")
	if code := agendaCode(t, err); code != "opinion_missing" {
		t.Fatalf("expected opinion_missing on move, got %s", code)
	}

	// A vote item without any proposition cannot enter the floor either.
	orphan := env.add(t, domain.SectionOther, domain.ActionVote, 0)
	_, err = env.ag.MoveItem(env.ctx, orphan.ID, domain.SectionFloorVote, 1, "mesa")
	if code := agendaCode(t, err); code != "proposition_required" {
		t.Fatalf("expected proposition_required on move, got %s", code)
	}

	// With a concluded opinion the move goes through and persists.
	ready := seedProposition(t, env, "parecer favorável da CCJ")
	item, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:     env.sitting.ID,
		Section:       domain.SectionOther,
		ActionType:    domain.ActionVote,
		PropositionID: ready,
		ActorID:       "mesa",
	})
	if err != nil {
		t.Fatalf("add ready item: %v", err)
	}
	moved, err := env.ag.MoveItem(env.ctx, item.ID, domain.SectionFloorVote, 1, "mesa")
	if err != nil {
		t.Fatalf("move into floor: %v", err)
	}
	if moved.Section != domain.SectionFloorVote || moved.Position != 1 {
		t.Fatalf("unexpected moved item: %+v", moved)
	}
	if pos := env.sectionPositions(t, domain.SectionFloorVote); pos[item.ID] != 1 {
		t.Fatalf("move not persisted: %v", pos)
	}
}

func TestFloorReadingsSkipOpinionGate(t *testing.T) {
	env := newAgendaEnv(t)

	// A reading at the floor section deliberates nothing; no proposition
	// and no opinion needed.
	it, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:  env.sitting.ID,
		Section:    domain.SectionFloorVote,
		ActionType: domain.ActionReading,
		ActorID:    "mesa",
	})
	if err != nil {
		t.Fatalf("add floor reading: %v", err)
	}
	if it.Section != domain.SectionFloorVote {
		t.Fatalf("unexpected item: %+v", it)
	}

	// Same for moving an honor item in.
	honor := env.add(t, domain.SectionHonors, domain.ActionHonor, 0)
	if _, err := env.ag.MoveItem(env.ctx, honor.ID, domain.SectionFloorVote, 1, "mesa"); err != nil {
		t.Fatalf("move honor into floor: %v", err)
	}
}

// seedProposition inserts a proposition with one concluded committee stage.
// An empty opinion leaves the floor gate shut.
func seedProposition(t *testing.T, env *agendaEnv, opinion string) string {
	t.Helper()
	r := env.ag.Repo
	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
	outcome := domain.OutcomeApproved
	p := domain.Proposition{
		ID:        uuid.NewString(),
		Category:  "projeto-de-lei",
		Title:     "PL de teste",
		Status:    domain.PropositionEmTramitacao,
		CreatedAt: ts,
	}
	tr := domain.Tramitacao{
		ID:            uuid.NewString(),
		PropositionID: p.ID,
		Category:      p.Category,
		StageIndex:    1,
		StageName:     "Comissão de Justiça",
		UnitID:        "ccj",
		Status:        domain.TramitacaoConcluded,
		Outcome:       &outcome,
		EnteredAt:     ts,
		ExitedAt:      &ts,
	}
	if opinion != "" {
		tr.Opinion = &opinion
	}
	tx, err := env.ag.DB.BeginTx(env.ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertProposition(env.ctx, tx, p); err != nil {
		t.Fatalf("insert proposition: %v", err)
	}
	if err := r.InsertTramitacao(env.ctx, tx, tr); err != nil {
		t.Fatalf("insert tramitacao: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return p.ID
}

func TestEstimateFollowsItems(t *testing.T) {
	env := newAgendaEnv(t)
	a, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:     env.sitting.ID,
		Section:       domain.SectionExpediente,
		ActionType:    domain.ActionReading,
		EstimatedSecs: 300,
		ActorID:       "mesa",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:     env.sitting.ID,
		Section:       domain.SectionExpediente,
		ActionType:    domain.ActionReading,
		EstimatedSecs: 600,
		ActorID:       "mesa",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sitting, err := env.sess.GetSitting(env.ctx, env.sitting.ID)
	if err != nil {
		t.Fatalf("get sitting: %v", err)
	}
	if sitting.EstimatedSecs != 900 {
		t.Fatalf("expected 900 estimated secs, got %d", sitting.EstimatedSecs)
	}
	if err := env.ag.RemoveItem(env.ctx, a.ID, "mesa"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	sitting, _ = env.sess.GetSitting(env.ctx, env.sitting.ID)
	if sitting.EstimatedSecs != 600 {
		t.Fatalf("expected 600 estimated secs, got %d", sitting.EstimatedSecs)
	}
}

func TestClosedSittingRejectsChanges(t *testing.T) {
	env := newAgendaEnv(t)
	it := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	if _, err := env.sess.Cancel(env.ctx, env.sitting.ID, "mesa", "sem quórum"); err != nil {
		t.Fatalf("cancel sitting: %v", err)
	}

	_, err := env.ag.AddItem(env.ctx, agenda.AddItemOptions{
		SittingID:  env.sitting.ID,
		Section:    domain.SectionExpediente,
		ActionType: domain.ActionReading,
		ActorID:    "mesa",
	})
	if code := agendaCode(t, err); code != "sitting_closed" {
		t.Fatalf("expected sitting_closed, got %s", code)
	}
	if code := agendaCode(t, env.ag.RemoveItem(env.ctx, it.ID, "mesa")); code != "sitting_closed" {
		t.Fatalf("expected sitting_closed on remove, got %s", code)
	}
}

func TestStartedItemCannotMove(t *testing.T) {
	env := newAgendaEnv(t)
	it := env.add(t, domain.SectionExpediente, domain.ActionReading, 0)
	if _, err := env.sess.Start(env.ctx, env.sitting.ID, "mesa"); err != nil {
		t.Fatalf("start sitting: %v", err)
	}
	if _, err := env.sess.StartItem(env.ctx, it.ID, "mesa"); err != nil {
		t.Fatalf("start item: %v", err)
	}
	_, err := env.ag.MoveItem(env.ctx, it.ID, "", 1, "mesa")
	if code := agendaCode(t, err); code != "item_started" {
		t.Fatalf("expected item_started, got %s", code)
	}
	if code := agendaCode(t, env.ag.RemoveItem(env.ctx, it.ID, "mesa")); code != "item_started" {
		t.Fatalf("expected item_started on remove, got %s", code)
	}
}
