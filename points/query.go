package points

import (
	"context"
)

// ParticipantSummary is a participant with its derived balance.
type ParticipantSummary struct {
	Participant
	Balance Points
}

// ListParticipantSummaries returns every participant with its current
// balance, in the store's participant order.
func (s *Service) ListParticipantSummaries(ctx context.Context) ([]ParticipantSummary, error) {
	participants, err := s.engine.store.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]ParticipantSummary, 0, len(participants))
	for _, p := range participants {
		balance, err := s.engine.store.Balance(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, ParticipantSummary{Participant: p, Balance: balance})
	}
	return summaries, nil
}

// AllEntries returns the global ledger, newest first.
func (s *Service) AllEntries(ctx context.Context) ([]LedgerEntry, error) {
	return s.Ledger.AllEntries(ctx)
}

// RedemptionView joins a request with its reward and participant for display.
type RedemptionView struct {
	Redemption
	RewardTitle      string
	ParticipantName  string
	ParticipantEmail string
}

// ListRedemptionViews is ListRedemptions with display names resolved.
// Requests whose reward or participant cannot be loaded keep empty names.
func (s *Service) ListRedemptionViews(ctx context.Context, filter RedemptionFilter) ([]RedemptionView, error) {
	requests, err := s.ListRedemptions(ctx, filter)
	if err != nil {
		return nil, err
	}

	rewards := map[RewardID]string{}
	people := map[ParticipantID]*Participant{}
	views := make([]RedemptionView, 0, len(requests))
	for _, r := range requests {
		v := RedemptionView{Redemption: r}

		title, ok := rewards[r.RewardID]
		if !ok {
			if reward, err := s.engine.store.GetReward(ctx, r.RewardID); err == nil {
				title = reward.Title
			} else if !IsNotFound(err) {
				return nil, err
			}
			rewards[r.RewardID] = title
		}
		v.RewardTitle = title

		p, ok := people[r.ParticipantID]
		if !ok {
			loaded, err := s.engine.store.GetParticipant(ctx, r.ParticipantID)
			if err != nil && !IsNotFound(err) {
				return nil, err
			}
			p = loaded
			people[r.ParticipantID] = p
		}
		if p != nil {
			v.ParticipantName = p.Name
			v.ParticipantEmail = p.Email
		}
		views = append(views, v)
	}
	return views, nil
}
