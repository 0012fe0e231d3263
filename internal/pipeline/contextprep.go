package pipeline

import (
	"time"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// prepareContext builds the generator-facing view of the conversation:
// message-form history, the participant set, the oldest history timestamp,
// and the recent assistant messages that feed duplicate detection.
func prepareContext(payload *models.GenerationJobPayload, personality *models.EffectivePersonality, recentWindow int) *PreparedContext {
	history := payload.Context.ConversationHistory

	prepared := &PreparedContext{
		RawConversationHistory:  history,
		ConversationHistory:     toMessages(history),
		OldestHistoryTimestamp:  oldestTimestamp(history),
		Participants:            participants(history, personality.Name, payload.Context.MentionedPersonalities),
		RecentAssistantMessages: recentAssistantMessages(history, recentWindow),
	}
	return prepared
}

func toMessages(history []models.HistoryEntry) []interfaces.Message {
	out := make([]interfaces.Message, 0, len(history))
	for _, h := range history {
		out = append(out, interfaces.Message{
			Role:    h.Role,
			Content: h.Content,
			Name:    h.PersonalityName,
		})
	}
	return out
}

// oldestTimestamp returns the minimum non-nil history timestamp, or nil
// when no entry carries one.
func oldestTimestamp(history []models.HistoryEntry) *time.Time {
	var oldest *time.Time
	for _, h := range history {
		if h.Timestamp == nil {
			continue
		}
		if oldest == nil || h.Timestamp.Before(*oldest) {
			ts := *h.Timestamp
			oldest = &ts
		}
	}
	return oldest
}

// participants collects the unique conversation participants: the active
// personality, every personality seen in history, and explicitly mentioned
// personalities not yet present. Order is stable.
func participants(history []models.HistoryEntry, active string, mentioned []string) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	add(active)
	for _, h := range history {
		add(h.PersonalityName)
	}
	for _, name := range mentioned {
		add(name)
	}
	return out
}

// recentAssistantMessages returns the last up-to-limit assistant entries in
// reverse chronological order.
func recentAssistantMessages(history []models.HistoryEntry, limit int) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		if history[i].Role == "assistant" {
			out = append(out, history[i].Content)
		}
	}
	return out
}
