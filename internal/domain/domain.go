package domain

// Typed enums. Values are stored as-is in SQLite and serialized as-is on
// the wire; every switch over them must handle all constants.

type PropositionStatus string

const (
	PropositionEmTramitacao PropositionStatus = "EM_TRAMITACAO"
	PropositionAprovada     PropositionStatus = "APROVADA"
	PropositionRejeitada    PropositionStatus = "REJEITADA"
	PropositionArquivada    PropositionStatus = "ARQUIVADA"
)

type TramitacaoStatus string

const (
	TramitacaoInProgress TramitacaoStatus = "IN_PROGRESS"
	TramitacaoConcluded  TramitacaoStatus = "CONCLUDED"
	TramitacaoCancelled  TramitacaoStatus = "CANCELLED"
)

type StageOutcome string

const (
	OutcomeApproved           StageOutcome = "APPROVED"
	OutcomeRejected           StageOutcome = "REJECTED"
	OutcomeApprovedAmendments StageOutcome = "APPROVED_WITH_AMENDMENTS"
	OutcomeArchived           StageOutcome = "ARCHIVED"
)

func (o StageOutcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeApprovedAmendments, OutcomeArchived:
		return true
	}
	return false
}

type QuorumType string

const (
	SimpleMajority   QuorumType = "SIMPLE_MAJORITY"
	AbsoluteMajority QuorumType = "ABSOLUTE_MAJORITY"
	TwoThirds        QuorumType = "TWO_THIRDS"
	ThreeFifths      QuorumType = "THREE_FIFTHS"
	Unanimity        QuorumType = "UNANIMITY"
)

func (q QuorumType) Valid() bool {
	switch q {
	case SimpleMajority, AbsoluteMajority, TwoThirds, ThreeFifths, Unanimity:
		return true
	}
	return false
}

type QuorumBase string

const (
	BasePresentMembers QuorumBase = "PRESENT_MEMBERS"
	BaseTotalMembers   QuorumBase = "TOTAL_MEMBERS"
	BaseTotalSeats     QuorumBase = "TOTAL_SEATS"
)

func (b QuorumBase) Valid() bool {
	switch b {
	case BasePresentMembers, BaseTotalMembers, BaseTotalSeats:
		return true
	}
	return false
}

type RoundOutcome string

const (
	RoundApproved RoundOutcome = "APPROVED"
	RoundRejected RoundOutcome = "REJECTED"
	RoundTie      RoundOutcome = "TIE"
)

func (o RoundOutcome) Valid() bool {
	switch o {
	case RoundApproved, RoundRejected, RoundTie:
		return true
	}
	return false
}

type AgendaSection string

const (
	SectionExpediente     AgendaSection = "EXPEDIENTE"
	SectionFloorVote      AgendaSection = "FLOOR_VOTE"
	SectionCommunications AgendaSection = "COMMUNICATIONS"
	SectionHonors         AgendaSection = "HONORS"
	SectionOther          AgendaSection = "OTHER"
)

// SectionRank gives the fixed agenda precedence. Unknown sections sort last.
func SectionRank(s AgendaSection) int {
	switch s {
	case SectionExpediente:
		return 0
	case SectionFloorVote:
		return 1
	case SectionCommunications:
		return 2
	case SectionHonors:
		return 3
	case SectionOther:
		return 4
	}
	return 5
}

func (s AgendaSection) Valid() bool { return SectionRank(s) < 5 }

type ItemStatus string

const (
	ItemPending      ItemStatus = "PENDING"
	ItemInDiscussion ItemStatus = "IN_DISCUSSION"
	ItemInVote       ItemStatus = "IN_VOTE"
	ItemConcluded    ItemStatus = "CONCLUDED"
	ItemApproved     ItemStatus = "APPROVED"
	ItemRejected     ItemStatus = "REJECTED"
	ItemPostponed    ItemStatus = "POSTPONED"
	ItemWithdrawn    ItemStatus = "WITHDRAWN"
	ItemUnderReview  ItemStatus = "UNDER_REVIEW"
)

// Final reports whether the status ends an item's clock.
func (s ItemStatus) Final() bool {
	switch s {
	case ItemConcluded, ItemApproved, ItemRejected, ItemPostponed, ItemWithdrawn, ItemUnderReview:
		return true
	}
	return false
}

type ActionType string

const (
	ActionVote       ActionType = "VOTE"
	ActionDiscussion ActionType = "DISCUSSION"
	ActionReading    ActionType = "READING"
	ActionHonor      ActionType = "HONOR"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionVote, ActionDiscussion, ActionReading, ActionHonor:
		return true
	}
	return false
}

type SittingStatus string

const (
	SittingScheduled  SittingStatus = "SCHEDULED"
	SittingInProgress SittingStatus = "IN_PROGRESS"
	SittingSuspended  SittingStatus = "SUSPENDED"
	SittingConcluded  SittingStatus = "CONCLUDED"
	SittingCancelled  SittingStatus = "CANCELLED"
)

func (s SittingStatus) Terminal() bool {
	return s == SittingConcluded || s == SittingCancelled
}

// Entities.

type Proposition struct {
	ID        string            `json:"id"`
	Category  string            `json:"category"`
	Title     string            `json:"title"`
	Summary   string            `json:"summary,omitempty"`
	Status    PropositionStatus `json:"status"`
	Outcome   *StageOutcome     `json:"outcome,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
}

// Tramitacao is one stage instance of a proposition's routing. Stage
// template fields are snapshotted at open time so later flow edits never
// change past rows.
type Tramitacao struct {
	ID            string           `json:"id"`
	PropositionID string           `json:"proposition_id"`
	Category      string           `json:"category"`
	StageIndex    int              `json:"stage_index"`
	StageName     string           `json:"stage_name"`
	UnitID        string           `json:"unit_id"`
	ResponsibleID *string          `json:"responsible_id,omitempty"`
	Status        TramitacaoStatus `json:"status"`
	Outcome       *StageOutcome    `json:"outcome,omitempty"`
	Opinion       *string          `json:"opinion,omitempty"`
	EnteredAt     string           `json:"entered_at" format:"date-time"`
	ExitedAt      *string          `json:"exited_at,omitempty" format:"date-time"`
	DeadlineAt    *string          `json:"deadline_at,omitempty" format:"date-time"`
	DaysOverdue   int              `json:"days_overdue"`
}

type StageHistory struct {
	ID            string `json:"id"`
	TramitacaoID  string `json:"tramitacao_id"`
	PropositionID string `json:"proposition_id"`
	Action        string `json:"action"`
	Description   string `json:"description,omitempty"`
	ActorID       string `json:"actor_id"`
	BeforeJSON    string `json:"before_json,omitempty"`
	AfterJSON     string `json:"after_json,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

type VoteTally struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Abstain int `json:"abstain"`
}

// Round carries the quorum policy it was opened under; the snapshot, not
// live config, decides the outcome at close.
type Round struct {
	ID                  string        `json:"id"`
	SittingID           string        `json:"sitting_id"`
	ItemID              string        `json:"item_id"`
	PropositionID       string        `json:"proposition_id"`
	Round               int           `json:"round"`
	Tally               VoteTally     `json:"tally"`
	QuorumType          QuorumType    `json:"quorum_type"`
	QuorumBase          QuorumBase    `json:"quorum_base"`
	AllowAbstention     bool          `json:"allow_abstention"`
	AbstentionAsAgainst bool          `json:"abstention_as_against"`
	TotalMembers        int           `json:"total_members"`
	PresentMembers      int           `json:"present_members"`
	Computed            *RoundOutcome `json:"computed_outcome,omitempty"`
	Outcome             *RoundOutcome `json:"outcome,omitempty"`
	OverrideReason      *string       `json:"override_reason,omitempty"`
	PresidingVote       *string       `json:"presiding_vote,omitempty"`
	Status              string        `json:"status" enum:"OPEN,CLOSED"`
	OpenedAt            string        `json:"opened_at" format:"date-time"`
	ClosedAt            *string       `json:"closed_at,omitempty" format:"date-time"`
	NextNotBefore       *string       `json:"next_round_not_before,omitempty" format:"date-time"`
}

type AgendaItem struct {
	ID              string        `json:"id"`
	SittingID       string        `json:"sitting_id"`
	Section         AgendaSection `json:"section"`
	Position        int           `json:"position"`
	Status          ItemStatus    `json:"status"`
	ActionType      ActionType    `json:"action_type"`
	PropositionID   *string       `json:"proposition_id,omitempty"`
	RapporteurID    *string       `json:"rapporteur_id,omitempty"`
	EstimatedSecs   int64         `json:"estimated_secs"`
	AccumulatedSecs int64         `json:"accumulated_secs"`
	RealSecs        int64         `json:"real_secs"`
	StartedAt       *string       `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string       `json:"finished_at,omitempty" format:"date-time"`
}

type Sitting struct {
	ID            string        `json:"id"`
	Number        int           `json:"number"`
	Status        SittingStatus `json:"status"`
	CurrentItemID *string       `json:"current_item_id,omitempty"`
	ScheduledAt   string        `json:"scheduled_at" format:"date-time"`
	StartedAt     *string       `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *string       `json:"finished_at,omitempty" format:"date-time"`
	EstimatedSecs int64         `json:"estimated_secs"`
	RealSecs      int64         `json:"real_secs"`
}

type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
