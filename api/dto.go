/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in package points from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

TIMESTAMPS:
  All times are RFC 3339 in UTC.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - points/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/points-engine/importer"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// PARTICIPANTS
// =============================================================================

type ParticipantDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Status     string `json:"status"`
	Role       string `json:"role"`
	ExternalID string `json:"external_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// ParticipantSummaryDTO is a participant with its derived balance.
type ParticipantSummaryDTO struct {
	ParticipantDTO
	Balance int64 `json:"balance"`
}

type CreateParticipantRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	InitialPoints int64  `json:"initial_points"`
}

type BalanceDTO struct {
	ParticipantID string `json:"participant_id"`
	Balance       int64  `json:"balance"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID          string `json:"id"`
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	Source      string `json:"source"`
	ReferenceID string `json:"reference_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AdjustmentRequest is an operator grant or correction.
type AdjustmentRequest struct {
	ParticipantID string `json:"participant_id"`
	Delta         int64  `json:"delta"`
	Reason        string `json:"reason"`
	Source        string `json:"source,omitempty"` // manual (default), adjustment, checkin
}

type CSVImportResponse struct {
	Imported int      `json:"imported"`
	Errors   []string `json:"errors,omitempty"`
}

// =============================================================================
// REWARDS
// =============================================================================

// RewardDTO describes a catalog item. A null stock means unlimited.
type RewardDTO struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImagePath   string `json:"image_path,omitempty"`
	Category    string `json:"category"`
	Cost        int64  `json:"cost"`
	Stock       *int64 `json:"stock"`
	IsActive    bool   `json:"is_active"`
}

type CreateRewardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImagePath   string `json:"image_path"`
	Category    string `json:"category"`
	Cost        int64  `json:"cost"`
	Stock       *int64 `json:"stock"`
	IsActive    *bool  `json:"is_active"` // defaults to true
}

// UpdateRewardRequest changes only the fields present. Set unlimited_stock
// to drop a stock limit.
type UpdateRewardRequest struct {
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	ImagePath      *string `json:"image_path"`
	Category       *string `json:"category"`
	Cost           *int64  `json:"cost"`
	Stock          *int64  `json:"stock"`
	UnlimitedStock bool    `json:"unlimited_stock"`
	IsActive       *bool   `json:"is_active"`
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type CreateRedemptionRequest struct {
	RewardID string `json:"reward_id"`
}

type CreateRedemptionResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type RedemptionDTO struct {
	ID               string `json:"id"`
	ParticipantID    string `json:"participant_id"`
	RewardID         string `json:"reward_id"`
	Status           string `json:"status"`
	CostSnapshot     int64  `json:"cost_snapshot"`
	Notes            string `json:"notes,omitempty"`
	RewardTitle      string `json:"reward_title,omitempty"`
	ParticipantName  string `json:"participant_name,omitempty"`
	ParticipantEmail string `json:"participant_email,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// =============================================================================
// SYNC
// =============================================================================

type SyncRequest struct {
	Kind string `json:"kind"`
}

type SyncReportDTO struct {
	RunID   string   `json:"run_id"`
	Kind    string   `json:"kind"`
	Fetched int      `json:"fetched"`
	Synced  int      `json:"synced"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

type SyncRunDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	RecordsSynced int    `json:"records_synced"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toParticipantDTO(p points.Participant) ParticipantDTO {
	return ParticipantDTO{
		ID:         string(p.ID),
		Name:       p.Name,
		Email:      p.Email,
		Status:     string(p.Status),
		Role:       string(p.Role),
		ExternalID: p.ExternalID,
		CreatedAt:  formatTime(p.CreatedAt),
	}
}

func toLedgerEntryDTOs(entries []points.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:          string(e.ID),
			Delta:       int64(e.Delta),
			Reason:      e.Reason,
			Source:      string(e.Source),
			ReferenceID: e.ReferenceID,
			CreatedAt:   formatTime(e.CreatedAt),
		}
	}
	return dtos
}

func toRewardDTO(r points.Reward) RewardDTO {
	return RewardDTO{
		ID:          string(r.ID),
		Title:       r.Title,
		Description: r.Description,
		ImagePath:   r.ImagePath,
		Category:    r.Category,
		Cost:        int64(r.Cost),
		Stock:       r.Stock,
		IsActive:    r.IsActive,
	}
}

func toRewardDTOs(rewards []points.Reward) []RewardDTO {
	dtos := make([]RewardDTO, len(rewards))
	for i, r := range rewards {
		dtos[i] = toRewardDTO(r)
	}
	return dtos
}

func toRedemptionDTO(r points.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:            string(r.ID),
		ParticipantID: string(r.ParticipantID),
		RewardID:      string(r.RewardID),
		Status:        string(r.Status),
		CostSnapshot:  int64(r.CostSnapshot),
		Notes:         r.Notes,
		CreatedAt:     formatTime(r.CreatedAt),
		UpdatedAt:     formatTime(r.UpdatedAt),
	}
}

func toRedemptionViewDTOs(views []points.RedemptionView) []RedemptionDTO {
	dtos := make([]RedemptionDTO, len(views))
	for i, v := range views {
		dto := toRedemptionDTO(v.Redemption)
		dto.RewardTitle = v.RewardTitle
		dto.ParticipantName = v.ParticipantName
		dto.ParticipantEmail = v.ParticipantEmail
		dtos[i] = dto
	}
	return dtos
}

func toSyncReportDTO(r *importer.Report) SyncReportDTO {
	return SyncReportDTO{
		RunID:   r.RunID,
		Kind:    string(r.Kind),
		Fetched: r.Fetched,
		Synced:  r.Synced,
		Skipped: r.Skipped,
		Errors:  r.Errors,
	}
}

func toSyncRunDTO(run points.SyncRun) SyncRunDTO {
	dto := SyncRunDTO{
		ID:            run.ID,
		Kind:          string(run.Kind),
		Status:        string(run.Status),
		RecordsSynced: run.RecordsSynced,
		Error:         run.Error,
		StartedAt:     formatTime(run.StartedAt),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = formatTime(*run.CompletedAt)
	}
	return dto
}
