/*

This file contains the invariant audit over the controller's books. It never mutates state: the auditor
calls it on a timer and Restore calls it before accepting a checkpoint.

A custody shortfall after a price reset is expected and is reported as Coverage, not as a violation.

*/

package bonding

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

// Violation names one broken invariant.
type Violation struct {
	Check  string        `json:"check"`
	BondID *types.BondID `json:"bond_id,omitempty"`
	Detail string        `json:"detail"`
}

// InvariantReport is the result of one audit.
type InvariantReport struct {
	Balance       sdkmath.Int       `json:"balance"`
	Owed          sdkmath.Int       `json:"owed"`
	Claimable     sdkmath.Int       `json:"claimable"`
	PendingTotal  sdkmath.Int       `json:"pending_total"`
	Shortfall     sdkmath.Int       `json:"shortfall"`
	Coverage      sdkmath.LegacyDec `json:"coverage"` // available / total principal, 1 when nothing is owed
	Violations    []Violation       `json:"violations"`
	BondsAudited  int               `json:"bonds_audited"`
	HoldersSeen   int               `json:"holders_seen"`
	HaltedPresent int               `json:"halted_present"`
}

func (r InvariantReport) OK() bool { return len(r.Violations) == 0 }

func (r InvariantReport) errors() []error {
	errs := make([]error, 0, len(r.Violations))
	for _, v := range r.Violations {
		errs = append(errs, fmt.Errorf("%s: %s", v.Check, v.Detail))
	}
	return errs
}

func (r *InvariantReport) add(check string, id *types.BondID, format string, args ...interface{}) {
	r.Violations = append(r.Violations, Violation{Check: check, BondID: id, Detail: fmt.Sprintf(format, args...)})
}

// CheckInvariants audits the books against the live custody balance.
func (c *Controller) CheckInvariants(ctx context.Context) (InvariantReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	balance, err := c.custody.BalanceOf(ctx, c.custodyAddr)
	if err != nil {
		return InvariantReport{}, fmt.Errorf("read custody balance: %w", err)
	}
	return c.checkInvariants(balance), nil
}

func (c *Controller) checkInvariants(balance sdkmath.Int) InvariantReport {
	report := InvariantReport{
		Balance:       balance,
		Owed:          c.owed(),
		PendingTotal:  sdkmath.ZeroInt(),
		HaltedPresent: len(c.halted),
	}
	report.Claimable = report.Owed.Add(c.ledger.RewardsOutstanding())
	report.Shortfall = utils.PositivePart(report.Claimable, balance)

	if sum := c.ledger.SumShares(); !sum.Equal(c.ledger.TotalShares()) {
		report.add("share_sum", nil, "per-bond shares sum to %s, total is %s", sum, c.ledger.TotalShares())
	}

	principal := sdkmath.ZeroInt()
	open := make(map[types.BondID]struct{})
	for _, b := range c.registry.All() {
		report.BondsAudited++
		id := b.ID
		shares := c.ledger.SharesOf(id)
		if b.Closed {
			if !shares.IsZero() {
				report.add("closed_bond_shares", &id, "closed bond holds %s shares", shares)
			}
			if !b.LpAmount.IsZero() {
				report.add("closed_bond_principal", &id, "closed bond holds %s LP", b.LpAmount)
			}
			continue
		}
		open[id] = struct{}{}
		principal = principal.Add(b.LpAmount)
		if b.LpAmount.IsPositive() && !shares.IsPositive() {
			report.add("bond_without_shares", &id, "bond holds %s LP and no shares", b.LpAmount)
		}
		if b.EndBlock < b.CreationBlock {
			report.add("lock_window", &id, "end block %d before creation block %d", b.EndBlock, b.CreationBlock)
		}
		pending, err := c.ledger.PendingReward(id, b.RewardDebt)
		if err != nil {
			report.add("negative_pending", &id, "%v", err)
			continue
		}
		report.PendingTotal = report.PendingTotal.Add(pending)
	}

	for _, id := range c.ledger.Holders() {
		report.HoldersSeen++
		if _, ok := open[id]; !ok {
			id := id
			report.add("orphan_shares", &id, "shares held by a bond that is not open")
		}
	}

	if !principal.Equal(c.registry.TotalPrincipal()) {
		report.add("principal_sum", nil, "open bonds hold %s, running total is %s", principal, c.registry.TotalPrincipal())
	}

	// Debt is truncated per bond, so each holder may be owed one unit more than the exact share.
	tolerance := sdkmath.NewInt(int64(report.HoldersSeen))
	if report.PendingTotal.GT(c.ledger.RewardsOutstanding().Add(tolerance)) {
		report.add("pending_exceeds_outstanding", nil, "bonds are owed %s, outstanding is %s", report.PendingTotal, c.ledger.RewardsOutstanding())
	}

	report.Coverage = coverage(balance, c.ledger.RewardsOutstanding().Add(c.legacy.Reserved()), c.registry.TotalPrincipal())
	return report
}

func coverage(balance, claimable, principal sdkmath.Int) sdkmath.LegacyDec {
	if !principal.IsPositive() {
		return sdkmath.LegacyOneDec()
	}
	available := utils.PositivePart(balance, claimable)
	ratio := sdkmath.LegacyNewDecFromInt(available).Quo(sdkmath.LegacyNewDecFromInt(principal))
	return sdkmath.LegacyMinDec(ratio, sdkmath.LegacyOneDec())
}

// ErrInvariantsBroken is returned by AssertInvariants.
var ErrInvariantsBroken = errors.New("invariants broken")

// AssertInvariants is CheckInvariants as an error, for tests and startup checks.
func (c *Controller) AssertInvariants(ctx context.Context) error {
	report, err := c.CheckInvariants(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%w: %w", ErrInvariantsBroken, errors.Join(report.errors()...))
	}
	return nil
}
