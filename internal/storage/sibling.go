package storage

import "github.com/hpd-ai/agentruntime/pkg/types"

// renumberSiblings re-assigns SiblingIndex, TotalSiblings,
// PreviousSiblingID, and NextSiblingID across a set of branches that
// share the same (parentID, forkedAtMessageIndex), in insertion order.
// It mutates the slice in place.
func renumberSiblings(siblings []*types.Branch) {
	total := len(siblings)
	for i, b := range siblings {
		b.SiblingIndex = i
		b.TotalSiblings = total

		if i > 0 {
			prev := siblings[i-1].ID
			b.PreviousSiblingID = &prev
		} else {
			b.PreviousSiblingID = nil
		}

		if i < total-1 {
			next := siblings[i+1].ID
			b.NextSiblingID = &next
		} else {
			b.NextSiblingID = nil
		}
	}
}

// buildLineage constructs the depth->ancestorID map for a branch
// forked from parent: depth 0 is parent itself, depth N+1 is whatever
// parent considered depth N.
func buildLineage(parent *types.Branch) map[int]string {
	lineage := map[int]string{0: parent.ID}
	for depth, ancestor := range parent.Lineage {
		lineage[depth+1] = ancestor
	}
	return lineage
}
