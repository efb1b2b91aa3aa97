package server

import (
	"plenario/internal/domain"
)

type CreatePropositionRequest struct {
	ID       string `json:"id,omitempty"`
	Category string `json:"category" example:"projeto-de-lei"`
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
}

type AdvanceRequest struct {
	Outcome   string `json:"outcome" enum:"APPROVED,REJECTED,APPROVED_WITH_AMENDMENTS,ARCHIVED"`
	Opinion   string `json:"opinion,omitempty"`
	Comment   string `json:"comment,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
	NextStage *int   `json:"next_stage,omitempty" minimum:"0"`
}

type ReopenRequest struct {
	Reason string `json:"reason,omitempty"`
}

type FinalizeRequest struct {
	Outcome string `json:"outcome" enum:"APPROVED,REJECTED,APPROVED_WITH_AMENDMENTS,ARCHIVED"`
	Reason  string `json:"reason,omitempty"`
}

type CreateSittingRequest struct {
	Number      int    `json:"number"`
	ScheduledAt string `json:"scheduled_at" format:"date-time"`
}

type SuspendRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AddAgendaItemRequest struct {
	Section       string `json:"section" enum:"EXPEDIENTE,FLOOR_VOTE,COMMUNICATIONS,HONORS,OTHER"`
	ActionType    string `json:"action_type" enum:"VOTE,DISCUSSION,READING,HONOR"`
	PropositionID string `json:"proposition_id,omitempty"`
	RapporteurID  string `json:"rapporteur_id,omitempty"`
	EstimatedSecs int64  `json:"estimated_secs,omitempty"`
	Position      int    `json:"position,omitempty"`
}

type MoveAgendaItemRequest struct {
	Section  string `json:"section,omitempty" enum:",EXPEDIENTE,FLOOR_VOTE,COMMUNICATIONS,HONORS,OTHER"`
	Position int    `json:"position"`
}

type FinishItemRequest struct {
	Status string `json:"status,omitempty" enum:",CONCLUDED,APPROVED,REJECTED,POSTPONED,WITHDRAWN,UNDER_REVIEW"`
}

type StartRoundRequest struct {
	ItemID         string `json:"item_id"`
	Round          int    `json:"round,omitempty"`
	PresentMembers int    `json:"present_members,omitempty"`
}

type RoundUpdateRequest struct {
	ItemID         string `json:"item_id"`
	Yes            int    `json:"yes"`
	No             int    `json:"no"`
	Abstain        int    `json:"abstain"`
	PresentMembers int    `json:"present_members,omitempty"`
	Close          bool   `json:"close,omitempty"`
	Override       string `json:"override,omitempty" enum:",APPROVED,REJECTED,TIE"`
	OverrideReason string `json:"override_reason,omitempty"`
}

type PresidingVoteRequest struct {
	ItemID string `json:"item_id"`
	Vote   string `json:"vote" enum:"YES,NO,ABSTAIN"`
}

// AgendaResponse groups a sitting with its ordered items.
type AgendaResponse struct {
	Sitting domain.Sitting      `json:"sitting"`
	Items   []domain.AgendaItem `json:"items"`
}

// RoundsResponse lists every round held for an item, with the voting
// configuration the proposition's category prescribes.
type RoundsResponse struct {
	ItemID         string            `json:"item_id"`
	TotalRounds    int               `json:"total_rounds"`
	IntersticeDays int               `json:"interstice_days"`
	QuorumType     domain.QuorumType `json:"quorum_type,omitempty"`
	Rounds         []domain.Round    `json:"rounds"`
}
