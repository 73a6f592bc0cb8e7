package types

import "errors"

// EvidenceItem is one ranked chunk in an evidence set
type EvidenceItem struct {
	Chunk      Chunk
	Score      float64 // Fused score
	Similarity float64 // Cosine similarity to the question
	Hops       int     // Graph distance from the nearest vector hit
	Via        string  // Entity through which the chunk was reached
}

// EvidenceSet is the ranked, budget-bounded answer to a query
type EvidenceSet struct {
	Items       []EvidenceItem
	TotalTokens int

	// Number of distinct chunks considered before budgeting
	CandidateCount int

	// Degraded paths
	GraphExpansionSkipped bool
	VectorSearchSkipped   bool
	Cancelled             bool
}

// ChunkIDs returns the chunk ids of the items in rank order
func (s *EvidenceSet) ChunkIDs() []string {
	ids := make([]string, len(s.Items))
	for i := range s.Items {
		ids[i] = s.Items[i].Chunk.ID
	}
	return ids
}

// Validate checks that the set is ordered and within budget
func (s *EvidenceSet) Validate(tokenBudget int) error {
	total := 0
	for i := range s.Items {
		total += s.Items[i].Chunk.TokenCount
		if i > 0 && s.Items[i].Score > s.Items[i-1].Score {
			return errors.New("evidence items are not ordered by score")
		}
	}
	if total != s.TotalTokens {
		return errors.New("total tokens does not match items")
	}
	if tokenBudget > 0 && total > tokenBudget {
		return errors.New("evidence exceeds token budget")
	}
	return nil
}
