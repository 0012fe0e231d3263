package models

import (
	"strings"
	"time"
)

// ConfigSource records which level of the configuration hierarchy produced
// the effective personality for a request.
type ConfigSource string

const (
	ConfigSourcePersonality     ConfigSource = "personality"
	ConfigSourceUserPersonality ConfigSource = "user-personality"
	ConfigSourceUserDefault     ConfigSource = "user-default"
)

// Personality is the persisted personality record. Slug is the stable
// external identifier; ID is internal.
type Personality struct {
	ID           string `json:"id" badgerhold:"key"`
	Slug         string `json:"slug" badgerhold:"index"`
	Name         string `json:"name"`
	PersonaID    string `json:"persona_id" badgerhold:"index"`
	Model        string `json:"model"`
	VisionModel  string `json:"vision_model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	FreeTier     bool   `json:"free_tier"`

	// ShareLtmAcrossPersonalities lets memories created under one
	// personality surface for every personality of the owning persona.
	ShareLtmAcrossPersonalities bool `json:"share_ltm_across_personalities"`

	Temperature      float64   `json:"temperature,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConfigOverride is the subset of personality settings a user may override.
// Nil fields inherit from the level below.
type ConfigOverride struct {
	Model            *string  `json:"model,omitempty"`
	VisionModel      *string  `json:"vision_model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
}

// UserConfig is a user's default override, applied to every personality
// they talk to unless a per-personality override exists.
type UserConfig struct {
	UserID    string         `json:"user_id" badgerhold:"key"`
	Override  ConfigOverride `json:"override"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UserPersonalityConfig is a user's override scoped to one personality.
// Keyed by "<userID>|<personalityID>".
type UserPersonalityConfig struct {
	Key           string         `json:"key" badgerhold:"key"`
	UserID        string         `json:"user_id" badgerhold:"index"`
	PersonalityID string         `json:"personality_id" badgerhold:"index"`
	Override      ConfigOverride `json:"override"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// UserPersonalityConfigKey builds the composite storage key.
func UserPersonalityConfigKey(userID, personalityID string) string {
	return userID + "|" + personalityID
}

// PersonalityOwner records ownership of an imported personality slug.
type PersonalityOwner struct {
	Slug      string    `json:"slug" badgerhold:"key"`
	UserID    string    `json:"user_id" badgerhold:"index"`
	CreatedAt time.Time `json:"created_at"`
}

// EffectivePersonality is a personality with user config overrides and
// guest-mode model substitutions applied. It is a value copy; the stored
// record is never mutated.
type EffectivePersonality struct {
	Personality
	ConfigSource ConfigSource `json:"config_source"`
}

// ResolveVisionModel applies the vision model priority chain: explicit
// vision model, then the text model when it is vision capable, then the
// configured fallback.
func (e *EffectivePersonality) ResolveVisionModel(fallback string) string {
	if e.VisionModel != "" {
		return e.VisionModel
	}
	if IsVisionCapable(e.Model) {
		return e.Model
	}
	return fallback
}

// IsVisionCapable reports whether a model name belongs to a family known to
// accept image input.
func IsVisionCapable(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range []string{"claude", "gemini", "gpt-4", "gpt-5", "pixtral", "llava"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Apply layers an override onto the effective personality in place.
func (e *EffectivePersonality) Apply(o ConfigOverride) {
	if o.Model != nil {
		e.Model = *o.Model
	}
	if o.VisionModel != nil {
		e.VisionModel = *o.VisionModel
	}
	if o.Temperature != nil {
		e.Temperature = *o.Temperature
	}
	if o.FrequencyPenalty != nil {
		e.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.MaxTokens != nil {
		e.MaxTokens = *o.MaxTokens
	}
}
