package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbds137/tzurot/internal/models"
)

func historyEntry(role, content, personality string, ts *time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		Role:            role,
		Content:         content,
		PersonalityName: personality,
		Timestamp:       ts,
	}
}

func TestPrepareContextParticipants(t *testing.T) {
	payload := &models.GenerationJobPayload{
		Context: models.RequestContext{
			ConversationHistory: []models.HistoryEntry{
				historyEntry("user", "hi", "", nil),
				historyEntry("assistant", "hello", "Lilith", nil),
				historyEntry("assistant", "also here", "Echo", nil),
			},
			MentionedPersonalities: []string{"Sage", "Lilith"},
		},
	}
	personality := &models.EffectivePersonality{Personality: models.Personality{Name: "Lilith"}}

	prepared := prepareContext(payload, personality, 5)
	// Active first, history order next, unseen mentions last, no repeats.
	assert.Equal(t, []string{"Lilith", "Echo", "Sage"}, prepared.Participants)
}

func TestPrepareContextOldestTimestamp(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	payload := &models.GenerationJobPayload{
		Context: models.RequestContext{
			ConversationHistory: []models.HistoryEntry{
				historyEntry("user", "a", "", &newer),
				historyEntry("assistant", "b", "X", &older),
				historyEntry("user", "c", "", nil),
			},
		},
	}
	prepared := prepareContext(payload, &models.EffectivePersonality{}, 5)
	require.NotNil(t, prepared.OldestHistoryTimestamp)
	assert.True(t, prepared.OldestHistoryTimestamp.Equal(older))
}

func TestPrepareContextEmptyHistoryHasNoTimestamp(t *testing.T) {
	payload := &models.GenerationJobPayload{}
	prepared := prepareContext(payload, &models.EffectivePersonality{}, 5)
	assert.Nil(t, prepared.OldestHistoryTimestamp)
	assert.Empty(t, prepared.RecentAssistantMessages)
}

func TestRecentAssistantMessagesWindow(t *testing.T) {
	var history []models.HistoryEntry
	for i := 0; i < 8; i++ {
		history = append(history,
			historyEntry("user", "q", "", nil),
			historyEntry("assistant", string(rune('a'+i)), "X", nil),
		)
	}

	recent := recentAssistantMessages(history, 5)
	// Last five assistant turns, reverse chronological.
	assert.Equal(t, []string{"h", "g", "f", "e", "d"}, recent)
}
