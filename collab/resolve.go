package collab

import "sort"

// RejectedMutation pairs a mutation that failed its precondition with the
// reason it was turned away.
type RejectedMutation struct {
	Mutation Mutation `json:"mutation"`
	Reason   string   `json:"reason"`
}

// Resolution reports the outcome of reconciling a batch of pending mutations.
// Revision is the document revision after the batch.
type Resolution struct {
	Applied  []Mutation         `json:"applied"`
	Rejected []RejectedMutation `json:"rejected"`
	Revision int                `json:"revision"`
}

// reconcile applies pending mutations to doc in ascending timestamp order,
// ties keeping arrival order. A mutation whose precondition fails against the
// content left behind by earlier batch entries is rejected, never rebased or
// retried.
func reconcile(doc *Document, pending []Mutation) Resolution {
	ordered := make([]Mutation, len(pending))
	copy(ordered, pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	res := Resolution{}
	for _, m := range ordered {
		if applied, reason := doc.Apply(m); !applied {
			res.Rejected = append(res.Rejected, RejectedMutation{Mutation: m, Reason: reason})
			continue
		}
		res.Applied = append(res.Applied, m)
	}
	res.Revision = doc.Revision()
	return res
}
