// Package votehistory stores completed VotingHistoryRecords and derives
// per-model long-term weight adjustments, consumed by the Voter through
// the HistoricalWeightsProvider capability trait (spec §9's redesign
// flag: break the voting/history/calibration cycle by depending on
// capability traits passed in, not concrete services). Grounded on
// internal/debate/voting/weighted_voting_test.go's historicalData /
// EnableHistoricalWeight shape.
package votehistory

import (
	"sync"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

// HistoricalWeightsProvider is the capability trait the Voter depends on,
// so it never imports this package's concrete type directly.
type HistoricalWeightsProvider interface {
	// Multiplier returns a model's recent win-rate divided by its
	// long-term average win-rate, clamped to [0.5, 2.0], or 1.0 if there
	// isn't enough history yet.
	Multiplier(role string) float64
}

type modelStats struct {
	totalVotes int
	wins       int
	recentWins []bool // ring of recent outcomes, bounded
}

const recentWindow = 20

// Store is an append-only history of completed votes plus the derived
// per-model multiplier.
type Store struct {
	mu      sync.Mutex
	records []gwtypes.VotingHistoryRecord
	stats   map[string]*modelStats
}

// New builds an empty Store.
func New() *Store {
	return &Store{stats: make(map[string]*modelStats)}
}

// Append records a completed vote and updates per-model win statistics.
func (s *Store) Append(rec gwtypes.VotingHistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)

	for _, role := range rec.ParticipatingModels {
		st, ok := s.stats[role]
		if !ok {
			st = &modelStats{}
			s.stats[role] = st
		}
		st.totalVotes++
		won := role == rec.Winner
		if won {
			st.wins++
		}
		st.recentWins = append(st.recentWins, won)
		if len(st.recentWins) > recentWindow {
			st.recentWins = st.recentWins[len(st.recentWins)-recentWindow:]
		}
	}
}

// Multiplier implements HistoricalWeightsProvider.
func (s *Store) Multiplier(role string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[role]
	if !ok || st.totalVotes == 0 || len(st.recentWins) == 0 {
		return 1.0
	}

	longTermRate := float64(st.wins) / float64(st.totalVotes)
	if longTermRate == 0 {
		return 1.0
	}

	recentWinCount := 0
	for _, w := range st.recentWins {
		if w {
			recentWinCount++
		}
	}
	recentRate := float64(recentWinCount) / float64(len(st.recentWins))

	m := recentRate / longTermRate
	if m < 0.5 {
		return 0.5
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

// Records returns a copy of all recorded votes, for tests and for the
// external alert engine's diagnostics.
func (s *Store) Records() []gwtypes.VotingHistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gwtypes.VotingHistoryRecord, len(s.records))
	copy(out, s.records)
	return out
}
