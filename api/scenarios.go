/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data. Each scenario creates participants, rewards, ledger entries and
	redemption requests that show specific behavior.

AVAILABLE SCENARIOS:

	community-launch: Operator, three members with balances, a small catalog
	busy-week:        community-launch plus requests in every status
	last-unit:        One hoodie left and two members who can afford it

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Provision participants through the directory
 3. Create rewards through the catalog
 4. Record check-ins and redemptions through the engine, so every
    scenario obeys the same invariants as live traffic

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-week"}

NOTE:

	Scenarios reset the store. The routes are only mounted when
	enable_scenarios is set.

SEE ALSO:
  - server.go: Mounts the routes
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/points-engine/points"
)

// Resetter is implemented by stores that can be emptied.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "community-launch",
		Name:        "Community Launch",
		Description: "An operator, three members with check-in points and a four-item catalog",
	},
	{
		ID:          "busy-week",
		Name:        "Busy Week",
		Description: "Community launch plus pending, approved, rejected and fulfilled requests",
	},
	{
		ID:          "last-unit",
		Name:        "Last Unit",
		Description: "One hoodie left in stock and two members who can both afford it",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "community-launch":
		load = func(ctx context.Context) error {
			_, err := h.loadCommunityLaunch(ctx)
			return err
		}
	case "busy-week":
		load = h.loadBusyWeek
	case "last-unit":
		load = h.loadLastUnit
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase empties the store.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Service.Store().(Resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Service.Store())
	}
	return resetter.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// launchData is what community-launch creates, for scenarios built on it.
type launchData struct {
	operator *points.Participant
	members  map[string]*points.Participant
	rewards  map[string]*points.Reward
}

func stock(n int64) *int64 { return &n }

func (h *Handler) loadCommunityLaunch(ctx context.Context) (*launchData, error) {
	svc := h.Service
	data := &launchData{
		members: map[string]*points.Participant{},
		rewards: map[string]*points.Reward{},
	}

	op, err := svc.Participants.Provision(ctx, points.ProvisionInput{
		Name:  "Olga Operator",
		Email: "olga@example.com",
		Role:  points.RoleOperator,
	})
	if err != nil {
		return nil, err
	}
	data.operator = op

	members := []struct {
		key, name, email string
		initial          points.Points
		checkins         int
	}{
		{"alice", "Alice Archer", "alice@example.com", 50, 3},
		{"bruno", "Bruno Baker", "bruno@example.com", 0, 5},
		{"chen", "Chen Cho", "chen@example.com", 200, 1},
	}
	for _, m := range members {
		p, err := svc.Participants.Provision(ctx, points.ProvisionInput{
			Name:          m.name,
			Email:         m.email,
			InitialPoints: m.initial,
		})
		if err != nil {
			return nil, err
		}
		for i := 1; i <= m.checkins; i++ {
			reason := fmt.Sprintf("Meetup #%d attendance", i)
			if _, err := svc.Participants.Adjust(ctx, p.ID, 20, reason, points.SourceCheckin); err != nil {
				return nil, err
			}
		}
		data.members[m.key] = p
	}

	rewards := []struct {
		key string
		in  points.RewardInput
	}{
		{"stickers", points.RewardInput{Title: "Sticker Pack", Category: "merch", Cost: 20, IsActive: true,
			Description: "Five die-cut stickers"}},
		{"mug", points.RewardInput{Title: "Community Mug", Category: "merch", Cost: 60, Stock: stock(10), IsActive: true,
			Description: "Ceramic, 350 ml", ImagePath: "/images/mug.png"}},
		{"hoodie", points.RewardInput{Title: "Hoodie", Category: "apparel", Cost: 150, Stock: stock(3), IsActive: true,
			ImagePath: "/images/hoodie.png"}},
		{"ticket", points.RewardInput{Title: "Conference Ticket", Category: "events", Cost: 1000, Stock: stock(1), IsActive: false,
			Description: "Opens in spring"}},
	}
	for _, rw := range rewards {
		reward, err := svc.Catalog.Create(ctx, rw.in)
		if err != nil {
			return nil, err
		}
		data.rewards[rw.key] = reward
	}
	return data, nil
}

func (h *Handler) loadBusyWeek(ctx context.Context) error {
	data, err := h.loadCommunityLaunch(ctx)
	if err != nil {
		return err
	}
	svc := h.Service

	steps := []struct {
		member, reward string
		then           []points.RedemptionStatus
		notes          string
	}{
		{"alice", "mug", nil, ""},
		{"bruno", "stickers", []points.RedemptionStatus{points.RedemptionApproved}, "Pick up at the next meetup"},
		{"chen", "hoodie", []points.RedemptionStatus{points.RedemptionRejected}, "Size not available"},
		{"chen", "stickers", []points.RedemptionStatus{points.RedemptionApproved, points.RedemptionFulfilled}, "Handed over"},
	}
	for _, s := range steps {
		req, err := svc.CreateRedemption(ctx, data.members[s.member].ID, data.rewards[s.reward].ID)
		if err != nil {
			return fmt.Errorf("%s -> %s: %w", s.member, s.reward, err)
		}
		for _, to := range s.then {
			if _, err := svc.TransitionRedemption(ctx, req.ID, to, s.notes); err != nil {
				return fmt.Errorf("%s -> %s: %w", s.member, to, err)
			}
		}
	}
	return nil
}

func (h *Handler) loadLastUnit(ctx context.Context) error {
	data, err := h.loadCommunityLaunch(ctx)
	if err != nil {
		return err
	}
	svc := h.Service

	hoodie := data.rewards["hoodie"]
	one := int64(1)
	if _, err := svc.Catalog.Update(ctx, hoodie.ID, points.RewardUpdate{Stock: &one}); err != nil {
		return err
	}
	// Bruno (100) needs a top-up to afford it alongside Chen (220).
	_, err = svc.Participants.Adjust(ctx, data.members["bruno"].ID, 60, "Volunteer bonus", points.SourceAdjustment)
	return err
}
