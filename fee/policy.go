package fee

import "context"

// ResolvePolicy returns the active policy for a branch, falling back to the
// global policy. A branch-scoped policy shadows the global one.
func ResolvePolicy(ctx context.Context, store Store, branchID *BranchID) (FeePolicy, error) {
	if branchID != nil {
		p, found, err := store.FindActivePolicy(ctx, branchID)
		if err != nil {
			return FeePolicy{}, err
		}
		if found {
			return p, nil
		}
	}

	p, found, err := store.FindActivePolicy(ctx, nil)
	if err != nil {
		return FeePolicy{}, err
	}
	if !found {
		return FeePolicy{}, ErrNoActivePolicy
	}
	return p, nil
}
