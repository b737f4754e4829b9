/*
catalog.go - Reward catalog and stock

PURPOSE:
  The catalog owns reward definitions and their inventory. A reward with
  nil Stock is unlimited; otherwise Stock counts the units still available
  and never goes below zero.

STOCK LIFECYCLE:
  create request  -> ReserveStock  (stock - 1)
  reject request  -> ReleaseStock  (stock + 1)
  approve/fulfill -> no change

  Stock is taken when the request is created, not when it is approved, so
  every pending request is guaranteed a unit.

SEE ALSO:
  - redemption.go: Reserves and releases inside its own transactions
*/
package points

import (
	"context"
	"strings"
)

type Catalog struct {
	*engine
}

// RewardInput describes a new catalog item.
type RewardInput struct {
	Title       string
	Description string
	ImagePath   string
	Category    string
	Cost        Points
	Stock       *int64 // nil = unlimited
	IsActive    bool
}

// RewardUpdate changes selected fields. Nil fields are left alone.
// UnlimitedStock switches the reward to unlimited and wins over Stock.
type RewardUpdate struct {
	Title          *string
	Description    *string
	ImagePath      *string
	Category       *string
	Cost           *Points
	Stock          *int64
	UnlimitedStock bool
	IsActive       *bool
}

func (c *Catalog) Get(ctx context.Context, id RewardID) (*Reward, error) {
	return c.store.GetReward(ctx, id)
}

// ListActive returns rewards participants can redeem.
func (c *Catalog) ListActive(ctx context.Context) ([]Reward, error) {
	return c.store.ListRewards(ctx, true)
}

// ListAll includes inactive rewards, for operators.
func (c *Catalog) ListAll(ctx context.Context) ([]Reward, error) {
	return c.store.ListRewards(ctx, false)
}

// ReserveStock takes one unit. Unlimited rewards are left unchanged.
func (c *Catalog) ReserveStock(ctx context.Context, id RewardID) error {
	return c.run(ctx, func(tx Tx) error {
		return tx.ReserveStock(ctx, id)
	})
}

// ReleaseStock returns one unit. Unlimited rewards are left unchanged.
func (c *Catalog) ReleaseStock(ctx context.Context, id RewardID) error {
	return c.run(ctx, func(tx Tx) error {
		return tx.ReleaseStock(ctx, id)
	})
}

// Create adds a reward to the catalog.
func (c *Catalog) Create(ctx context.Context, in RewardInput) (*Reward, error) {
	now := c.now()
	r := Reward{
		ID:          RewardID(c.newID()),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		ImagePath:   in.ImagePath,
		Category:    strings.TrimSpace(in.Category),
		Cost:        in.Cost,
		Stock:       copyStock(in.Stock),
		IsActive:    in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validateReward(r); err != nil {
		return nil, err
	}

	err := c.run(ctx, func(tx Tx) error {
		return tx.InsertReward(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Update applies the given changes. Existing requests keep their
// CostSnapshot regardless of cost changes here. The reward is read under
// LockReward, so the stock written back is the one current at commit.
func (c *Catalog) Update(ctx context.Context, id RewardID, upd RewardUpdate) (*Reward, error) {
	var updated Reward
	err := c.run(ctx, func(tx Tx) error {
		r, err := tx.LockReward(ctx, id)
		if err != nil {
			return err
		}
		next := *r
		if upd.Title != nil {
			next.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Description != nil {
			next.Description = *upd.Description
		}
		if upd.ImagePath != nil {
			next.ImagePath = *upd.ImagePath
		}
		if upd.Category != nil {
			next.Category = strings.TrimSpace(*upd.Category)
		}
		if upd.Cost != nil {
			next.Cost = *upd.Cost
		}
		if upd.UnlimitedStock {
			next.Stock = nil
		} else if upd.Stock != nil {
			next.Stock = copyStock(upd.Stock)
		}
		if upd.IsActive != nil {
			next.IsActive = *upd.IsActive
		}
		next.UpdatedAt = c.now()
		if err := validateReward(next); err != nil {
			return err
		}
		if err := tx.UpdateReward(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func validateReward(r Reward) error {
	if r.Title == "" {
		return invalidInput("reward title is required")
	}
	if !r.Cost.IsPositive() {
		return invalidInput("reward cost must be positive, got %d", r.Cost)
	}
	if r.Cost > MaxPoints {
		return invalidInput("reward cost cannot exceed %d", MaxPoints)
	}
	if r.Stock != nil && *r.Stock < 0 {
		return invalidInput("reward stock cannot be negative, got %d", *r.Stock)
	}
	return nil
}

func copyStock(s *int64) *int64 {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
