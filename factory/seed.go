/*
seed.go - Bootstrap fee policies, classes and wallets from a JSON file

FILE FORMAT:
  {
    "policies": [ <PolicyJSON>, ... ],
    "classes":  [ {"id": "class-1", "branch_id": "hanoi", "name": "IELTS 6.5", "hourly_rate": "200000"} ],
    "wallets":  [ {"id": "wallet-1", "student_id": "stu-1", "code": "W-0001", "balance": "5000000"} ]
  }

USAGE:
  seed, err := factory.LoadSeed(f)
  err = factory.Apply(ctx, backend, seed)

Apply upserts, so re-running it against the same database is safe. It does
not touch wallet transactions: balances given here are opening balances.
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// ClassJSON is a class and its billing rate.
type ClassJSON struct {
	ID         string  `json:"id" validate:"required"`
	BranchID   *string `json:"branch_id,omitempty" validate:"omitempty,min=1"`
	Name       string  `json:"name"`
	HourlyRate string  `json:"hourly_rate" validate:"required,money"`
}

// WalletJSON is a student's prepaid wallet.
type WalletJSON struct {
	ID         string `json:"id" validate:"required"`
	StudentID  string `json:"student_id" validate:"required"`
	Code       string `json:"code"`
	Balance    string `json:"balance" validate:"required,numeric"`
	IsLocked   bool   `json:"is_locked,omitempty"`
	LockReason string `json:"lock_reason,omitempty"`
}

// SeedJSON is the on-disk seed document.
type SeedJSON struct {
	Policies []PolicyJSON `json:"policies" validate:"dive"`
	Classes  []ClassJSON  `json:"classes" validate:"dive"`
	Wallets  []WalletJSON `json:"wallets" validate:"dive"`
}

// Seed holds converted, validated seed data.
type Seed struct {
	Policies []fee.FeePolicy
	Classes  []fee.Class
	Wallets  []fee.Wallet
}

// LoadSeedFile opens path and calls LoadSeed.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}

// LoadSeed decodes and validates a seed document. Unknown fields are rejected.
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc SeedJSON
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed JSON: %w", err)
	}

	pf := NewPolicyFactory()
	if err := pf.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", describe(err))
	}

	seed := &Seed{}
	for _, pj := range doc.Policies {
		p, err := pf.FromJSON(pj)
		if err != nil {
			return nil, err
		}
		seed.Policies = append(seed.Policies, p)
	}
	for _, cj := range doc.Classes {
		seed.Classes = append(seed.Classes, classFromJSON(cj))
	}
	for _, wj := range doc.Wallets {
		seed.Wallets = append(seed.Wallets, walletFromJSON(wj))
	}
	return seed, nil
}

// Apply writes every seeded record through the registry.
func Apply(ctx context.Context, reg fee.Registry, seed *Seed) error {
	for _, p := range seed.Policies {
		if err := reg.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("save policy %s: %w", p.ID, err)
		}
	}
	for _, c := range seed.Classes {
		if err := reg.SaveClass(ctx, c); err != nil {
			return fmt.Errorf("save class %s: %w", c.ID, err)
		}
	}
	for _, w := range seed.Wallets {
		if err := reg.SaveWallet(ctx, w); err != nil {
			return fmt.Errorf("save wallet %s: %w", w.ID, err)
		}
	}
	return nil
}

func classFromJSON(cj ClassJSON) fee.Class {
	c := fee.Class{
		ID:         fee.ClassID(cj.ID),
		Name:       cj.Name,
		HourlyRate: decimal.RequireFromString(cj.HourlyRate),
	}
	if cj.BranchID != nil {
		b := fee.BranchID(*cj.BranchID)
		c.BranchID = &b
	}
	return c
}

func walletFromJSON(wj WalletJSON) fee.Wallet {
	return fee.Wallet{
		ID:         fee.WalletID(wj.ID),
		StudentID:  fee.StudentID(wj.StudentID),
		Code:       wj.Code,
		Balance:    decimal.RequireFromString(wj.Balance),
		TotalSpent: decimal.Zero,
		IsLocked:   wj.IsLocked,
		LockReason: wj.LockReason,
	}
}
