package repo

import (
	"context"
	"database/sql"

	"plenario/internal/domain"
)

const sittingCols = `id,number,status,current_item_id,scheduled_at,started_at,finished_at,estimated_secs,real_secs`

func scanSitting(scan func(...any) error) (domain.Sitting, error) {
	var s domain.Sitting
	var current, started, finished sql.NullString
	var status string
	err := scan(&s.ID, &s.Number, &status, &current, &s.ScheduledAt, &started, &finished, &s.EstimatedSecs, &s.RealSecs)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = domain.SittingStatus(status)
	if current.Valid {
		s.CurrentItemID = &current.String
	}
	if started.Valid {
		s.StartedAt = &started.String
	}
	if finished.Valid {
		s.FinishedAt = &finished.String
	}
	return s, nil
}

func (r Repo) InsertSitting(ctx context.Context, tx *sql.Tx, s domain.Sitting) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sittings(`+sittingCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Number, string(s.Status), nullableStringPtr(s.CurrentItemID), s.ScheduledAt,
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt), s.EstimatedSecs, s.RealSecs)
	return err
}

func (r Repo) UpdateSitting(ctx context.Context, tx *sql.Tx, s domain.Sitting) error {
	res, err := tx.ExecContext(ctx, `UPDATE sittings SET number=?, status=?, current_item_id=?, scheduled_at=?, started_at=?, finished_at=?, estimated_secs=?, real_secs=? WHERE id=?`,
		s.Number, string(s.Status), nullableStringPtr(s.CurrentItemID), s.ScheduledAt,
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.FinishedAt), s.EstimatedSecs, s.RealSecs, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSitting(ctx context.Context, id string) (domain.Sitting, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sittingCols+` FROM sittings WHERE id=?`, id)
	return scanSitting(row.Scan)
}

func (r Repo) GetSittingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Sitting, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sittingCols+` FROM sittings WHERE id=?`, id)
	return scanSitting(row.Scan)
}

func (r Repo) ListSittings(ctx context.Context, limit int) ([]domain.Sitting, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sittingCols+` FROM sittings ORDER BY scheduled_at DESC, number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sitting
	for rows.Next() {
		s, err := scanSitting(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const agendaItemCols = `id,sitting_id,section,position,status,action_type,proposition_id,rapporteur_id,estimated_secs,accumulated_secs,real_secs,started_at,finished_at`

func scanAgendaItem(scan func(...any) error) (domain.AgendaItem, error) {
	var it domain.AgendaItem
	var prop, rapporteur, started, finished sql.NullString
	var section, status, action string
	err := scan(&it.ID, &it.SittingID, &section, &it.Position, &status, &action,
		&prop, &rapporteur, &it.EstimatedSecs, &it.AccumulatedSecs, &it.RealSecs, &started, &finished)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Section = domain.AgendaSection(section)
	it.Status = domain.ItemStatus(status)
	it.ActionType = domain.ActionType(action)
	if prop.Valid {
		it.PropositionID = &prop.String
	}
	if rapporteur.Valid {
		it.RapporteurID = &rapporteur.String
	}
	if started.Valid {
		it.StartedAt = &started.String
	}
	if finished.Valid {
		it.FinishedAt = &finished.String
	}
	return it, nil
}

func (r Repo) InsertAgendaItem(ctx context.Context, tx *sql.Tx, it domain.AgendaItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agenda_items(`+agendaItemCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.SittingID, string(it.Section), it.Position, string(it.Status), string(it.ActionType),
		nullableStringPtr(it.PropositionID), nullableStringPtr(it.RapporteurID),
		it.EstimatedSecs, it.AccumulatedSecs, it.RealSecs,
		nullableStringPtr(it.StartedAt), nullableStringPtr(it.FinishedAt))
	return err
}

func (r Repo) UpdateAgendaItem(ctx context.Context, tx *sql.Tx, it domain.AgendaItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE agenda_items SET section=?, position=?, status=?, action_type=?, proposition_id=?, rapporteur_id=?, estimated_secs=?, accumulated_secs=?, real_secs=?, started_at=?, finished_at=? WHERE id=?`,
		string(it.Section), it.Position, string(it.Status), string(it.ActionType),
		nullableStringPtr(it.PropositionID), nullableStringPtr(it.RapporteurID),
		it.EstimatedSecs, it.AccumulatedSecs, it.RealSecs,
		nullableStringPtr(it.StartedAt), nullableStringPtr(it.FinishedAt), it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAgendaItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM agenda_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgendaItem(ctx context.Context, id string) (domain.AgendaItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agendaItemCols+` FROM agenda_items WHERE id=?`, id)
	return scanAgendaItem(row.Scan)
}

func (r Repo) GetAgendaItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgendaItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agendaItemCols+` FROM agenda_items WHERE id=?`, id)
	return scanAgendaItem(row.Scan)
}

// ListSectionItemsTx returns one section's items in display order, for
// renumbering inside a mutation.
func (r Repo) ListSectionItemsTx(ctx context.Context, tx *sql.Tx, sittingID string, section domain.AgendaSection) ([]domain.AgendaItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+agendaItemCols+` FROM agenda_items WHERE sitting_id=? AND section=? ORDER BY position ASC, id ASC`, sittingID, string(section))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgendaItem
	for rows.Next() {
		it, err := scanAgendaItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ListAgendaItemsTx returns every item of a sitting inside a mutation.
func (r Repo) ListAgendaItemsTx(ctx context.Context, tx *sql.Tx, sittingID string) ([]domain.AgendaItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+agendaItemCols+` FROM agenda_items WHERE sitting_id=? ORDER BY section, position`, sittingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgendaItem
	for rows.Next() {
		it, err := scanAgendaItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) ListAgendaItems(ctx context.Context, sittingID string) ([]domain.AgendaItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agendaItemCols+` FROM agenda_items WHERE sitting_id=? ORDER BY section, position`, sittingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgendaItem
	for rows.Next() {
		it, err := scanAgendaItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// SumEstimatedSecsTx totals per-item estimates for a sitting.
func (r Repo) SumEstimatedSecsTx(ctx context.Context, tx *sql.Tx, sittingID string) (int64, error) {
	var total int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(estimated_secs),0) FROM agenda_items WHERE sitting_id=?`, sittingID).Scan(&total)
	return total, err
}

// SumRealSecsTx totals per-item realized time for a sitting.
func (r Repo) SumRealSecsTx(ctx context.Context, tx *sql.Tx, sittingID string) (int64, error) {
	var total int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(real_secs),0) FROM agenda_items WHERE sitting_id=?`, sittingID).Scan(&total)
	return total, err
}

const roundCols = `id,sitting_id,item_id,proposition_id,round,yes,no,abstain,quorum_type,quorum_base,allow_abstention,abstention_as_against,total_members,present_members,computed_outcome,outcome,override_reason,presiding_vote,status,opened_at,closed_at,next_round_not_before`

func scanRound(scan func(...any) error) (domain.Round, error) {
	var v domain.Round
	var computed, outcome, reason, presiding, closed, notBefore sql.NullString
	var qt, qb string
	err := scan(&v.ID, &v.SittingID, &v.ItemID, &v.PropositionID, &v.Round,
		&v.Tally.Yes, &v.Tally.No, &v.Tally.Abstain, &qt, &qb,
		&v.AllowAbstention, &v.AbstentionAsAgainst,
		&v.TotalMembers, &v.PresentMembers, &computed, &outcome, &reason, &presiding,
		&v.Status, &v.OpenedAt, &closed, &notBefore)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.QuorumType = domain.QuorumType(qt)
	v.QuorumBase = domain.QuorumBase(qb)
	if computed.Valid {
		o := domain.RoundOutcome(computed.String)
		v.Computed = &o
	}
	if outcome.Valid {
		o := domain.RoundOutcome(outcome.String)
		v.Outcome = &o
	}
	if reason.Valid {
		v.OverrideReason = &reason.String
	}
	if presiding.Valid {
		v.PresidingVote = &presiding.String
	}
	if closed.Valid {
		v.ClosedAt = &closed.String
	}
	if notBefore.Valid {
		v.NextNotBefore = &notBefore.String
	}
	return v, nil
}

func (r Repo) InsertRound(ctx context.Context, tx *sql.Tx, v domain.Round) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rounds(`+roundCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.SittingID, v.ItemID, v.PropositionID, v.Round,
		v.Tally.Yes, v.Tally.No, v.Tally.Abstain, string(v.QuorumType), string(v.QuorumBase),
		v.AllowAbstention, v.AbstentionAsAgainst,
		v.TotalMembers, v.PresentMembers, roundOutcomePtr(v.Computed), roundOutcomePtr(v.Outcome),
		nullableStringPtr(v.OverrideReason), nullableStringPtr(v.PresidingVote),
		v.Status, v.OpenedAt, nullableStringPtr(v.ClosedAt), nullableStringPtr(v.NextNotBefore))
	return err
}

func (r Repo) UpdateRound(ctx context.Context, tx *sql.Tx, v domain.Round) error {
	res, err := tx.ExecContext(ctx, `UPDATE rounds SET yes=?, no=?, abstain=?, present_members=?, computed_outcome=?, outcome=?, override_reason=?, presiding_vote=?, status=?, closed_at=?, next_round_not_before=? WHERE id=?`,
		v.Tally.Yes, v.Tally.No, v.Tally.Abstain, v.PresentMembers,
		roundOutcomePtr(v.Computed), roundOutcomePtr(v.Outcome),
		nullableStringPtr(v.OverrideReason), nullableStringPtr(v.PresidingVote),
		v.Status, nullableStringPtr(v.ClosedAt), nullableStringPtr(v.NextNotBefore), v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRound(ctx context.Context, itemID string, round int) (domain.Round, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE item_id=? AND round=?`, itemID, round)
	return scanRound(row.Scan)
}

func (r Repo) GetRoundTx(ctx context.Context, tx *sql.Tx, itemID string, round int) (domain.Round, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE item_id=? AND round=?`, itemID, round)
	return scanRound(row.Scan)
}

// OpenRoundTx returns the item's round still in OPEN status, if any.
func (r Repo) OpenRoundTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.Round, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE item_id=? AND status='OPEN'`, itemID)
	return scanRound(row.Scan)
}

func (r Repo) ListRounds(ctx context.Context, itemID string) ([]domain.Round, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE item_id=? ORDER BY round ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		v, err := scanRound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListRoundsByPropositionTx returns every round held for a proposition.
// The interstice check for second rounds reads the first round from here.
func (r Repo) ListRoundsByPropositionTx(ctx context.Context, tx *sql.Tx, propositionID string) ([]domain.Round, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE proposition_id=? ORDER BY round ASC, opened_at ASC`, propositionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		v, err := scanRound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func roundOutcomePtr(o *domain.RoundOutcome) any {
	if o == nil {
		return nil
	}
	return string(*o)
}
