package orchestration

import (
	"context"
	"math/rand"
)

// RandomSelector samples k alive participants uniformly without
// replacement.
type RandomSelector struct{}

func NewRandomSelector() Selector {
	return &RandomSelector{}
}

func (s *RandomSelector) Select(ctx context.Context, candidates []Participant, k int) ([]Participant, error) {
	alive := filterAlive(candidates)
	if len(candidates) == 0 {
		return nil, ErrNoParticipants
	}
	if len(alive) == 0 {
		return nil, ErrDeadParticipants
	}
	if len(alive) < k {
		return nil, ErrInsufficientParticipants
	}

	rand.Shuffle(len(alive), func(i, j int) {
		alive[i], alive[j] = alive[j], alive[i]
	})

	return alive[:k], nil
}

// RoundRobinSelector rotates through the population so that selection
// load spreads evenly across rounds.
type RoundRobinSelector struct {
	next int
}

func NewRoundRobinSelector() Selector {
	return &RoundRobinSelector{}
}

func (s *RoundRobinSelector) Select(ctx context.Context, candidates []Participant, k int) ([]Participant, error) {
	alive := filterAlive(candidates)
	if len(candidates) == 0 {
		return nil, ErrNoParticipants
	}
	if len(alive) == 0 {
		return nil, ErrDeadParticipants
	}
	if len(alive) < k {
		return nil, ErrInsufficientParticipants
	}

	selected := make([]Participant, 0, k)
	for range k {
		selected = append(selected, alive[s.next%len(alive)])
		s.next++
	}

	return selected, nil
}

func filterAlive(candidates []Participant) []Participant {
	alive := make([]Participant, 0, len(candidates))
	for i := range candidates {
		if candidates[i].Alive {
			alive = append(alive, candidates[i])
		}
	}

	return alive
}
