package votehistory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vasic-digital/ensemblegateway/internal/gwtypes"
)

func TestMultiplierDefaultsToOneWithoutHistory(t *testing.T) {
	s := New()
	assert.Equal(t, 1.0, s.Multiplier("opus"))
}

func TestMultiplierClampedToRange(t *testing.T) {
	s := New()
	// opus wins every vote in recent history after a long stretch of
	// losses, pushing the multiplier above the 2.0 ceiling.
	for i := 0; i < 40; i++ {
		winner := "turbo"
		s.Append(gwtypes.VotingHistoryRecord{Winner: winner, ParticipatingModels: []string{"opus", "turbo"}})
	}
	for i := 0; i < 20; i++ {
		s.Append(gwtypes.VotingHistoryRecord{Winner: "opus", ParticipatingModels: []string{"opus", "turbo"}})
	}
	assert.LessOrEqual(t, s.Multiplier("opus"), 2.0)
}

func TestRecordsReturnsCopy(t *testing.T) {
	s := New()
	s.Append(gwtypes.VotingHistoryRecord{Winner: "opus", ParticipatingModels: []string{"opus"}})
	recs := s.Records()
	recs[0].Winner = "mutated"
	assert.Equal(t, "opus", s.Records()[0].Winner)
}
