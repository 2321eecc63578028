package tunnel

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Select implements the substrate's selection_strategy.select(filter, hops)
// contract (spec.md §6): pick a circuit with exactly goalHops hops that
// passes filter (nil accepts everything), uniformly at random among
// matches. There is no bandwidth-weighting concern at this layer — unlike
// the teacher's relay selection, every circuit here is equally fungible —
// so the random pick only needs to avoid modulo bias, following the same
// crypto/rand + big.Int technique the teacher uses for weighted choice.
func (r *Registry) Select(filter func(*Circuit) bool, goalHops int) (*Circuit, error) {
	candidates := r.Circuits(func(c *Circuit) bool {
		if c.GoalHops != goalHops {
			return false
		}
		if filter != nil && !filter(c) {
			return false
		}
		return true
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("select: no circuit with %d hops available", goalHops)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return candidates[n.Int64()], nil
}
