// Package query answers questions with evidence from an ingested repository.
//
// The engine embeds the question, takes the top-k chunks from the vector
// index, walks the graph around the entities owning them and ranks every
// candidate by
//
//	score = alpha*similarity + (1-alpha) / (1+hops)
//
// Candidates are deduplicated by chunk and taken in rank order while they
// fit the token budget.
package query
