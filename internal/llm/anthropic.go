package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/memory"
	"github.com/lbds137/tzurot/internal/models"
)

// memoryRetrievalLimit bounds how many long-term memories are folded into
// the system prompt per call.
const memoryRetrievalLimit = 10

// AnthropicService is the Claude-backed response generator and vision
// service. Prompt assembly happens here: personality system prompt,
// retrieved memories, participants, and preprocessing descriptions are
// folded into the request before the API call.
type AnthropicService struct {
	cfg      *common.Config
	logger   arbor.ILogger
	client   anthropic.Client
	memories *memory.Service
	timeout  time.Duration
}

// NewAnthropicService creates the Claude service. The configured API key is
// the server default; requests carrying a user key override it per call.
func NewAnthropicService(cfg *common.Config, memories *memory.Service, logger arbor.ILogger) (*AnthropicService, error) {
	if cfg.LLM.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set via ANTHROPIC_API_KEY or llm.anthropic_api_key in config)")
	}

	timeout, err := time.ParseDuration(cfg.LLM.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", cfg.LLM.Timeout, err)
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.LLM.AnthropicAPIKey),
	)

	service := &AnthropicService{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		memories: memories,
		timeout:  timeout,
	}

	logger.Debug().
		Str("model", cfg.LLM.Model).
		Dur("timeout", timeout).
		Msg("Anthropic LLM service initialized")

	return service, nil
}

// Provider identifies the backing API for diagnostics.
func (s *AnthropicService) Provider() string {
	return "anthropic"
}

// Generate produces one assistant response. Memory retrieval feeds the
// system prompt; the deferred memory record for this exchange is returned
// to the caller, never stored here.
func (s *AnthropicService) Generate(ctx context.Context, req *interfaces.GeneratorRequest) (*interfaces.GeneratorResponse, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	retrieved := s.retrieveMemories(timeoutCtx, req)

	messages, err := s.buildMessages(req)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Params.Model),
		MaxTokens: int64(maxTokensFor(req)),
		Messages:  messages,
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}
	if system := s.buildSystemPrompt(req, retrieved); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	startTime := time.Now()
	resp, err := s.client.Messages.New(timeoutCtx, params, s.requestOptions(req.APIKey)...)
	if err != nil {
		return nil, fmt.Errorf("Claude API call failed: %w", err)
	}

	var content strings.Builder
	var thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
	}

	s.logger.Debug().
		Str("model", req.Params.Model).
		Int("response_length", content.Len()).
		Dur("duration", time.Since(startTime)).
		Msg("Claude generation completed")

	out := &interfaces.GeneratorResponse{
		Content:           content.String(),
		ThinkingContent:   thinking.String(),
		TokensIn:          int(resp.Usage.InputTokens),
		TokensOut:         int(resp.Usage.OutputTokens),
		RetrievedMemories: len(retrieved),
	}

	if req.Params.DeferMemory && strings.TrimSpace(out.Content) != "" {
		out.DeferredMemory = s.deferredMemory(req, out.Content)
	}
	return out, nil
}

// StoreDeferredMemory persists a memory record produced during generation.
func (s *AnthropicService) StoreDeferredMemory(ctx context.Context, rec *models.DeferredMemoryRecord) error {
	if s.memories == nil {
		return fmt.Errorf("memory service not configured")
	}
	return s.memories.Store(ctx, rec)
}

// Describe implements the vision service: one image in, an objective text
// description out.
func (s *AnthropicService) Describe(ctx context.Context, url, contentType, model, systemPrompt, apiKey string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := "Describe this image objectively and concisely for someone who cannot see it."
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: url}),
				anthropic.NewTextBlock(prompt),
			),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := s.client.Messages.New(timeoutCtx, params, s.requestOptions(apiKey)...)
	if err != nil {
		return "", fmt.Errorf("Claude vision call failed: %w", err)
	}

	var description strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			description.WriteString(block.Text)
		}
	}
	if description.Len() == 0 {
		return "", fmt.Errorf("no description generated for image")
	}
	return description.String(), nil
}

// requestOptions returns per-call options; a user-supplied key overrides
// the server default.
func (s *AnthropicService) requestOptions(apiKey string) []option.RequestOption {
	if apiKey == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(apiKey)}
}

func (s *AnthropicService) retrieveMemories(ctx context.Context, req *interfaces.GeneratorRequest) []*models.LTMRecord {
	if s.memories == nil {
		return nil
	}
	retrieved, err := s.memories.Retrieve(ctx, req.Personality.PersonaID, req.Personality.ID, req.ChannelID, req.OldestHistoryTime, memoryRetrievalLimit)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("personality_id", req.Personality.ID).
			Msg("Memory retrieval failed; generating without memories")
		return nil
	}
	return retrieved
}

// buildSystemPrompt layers the personality prompt with retrieved memories,
// participant context, and an anti-repetition instruction scaled to the
// frequency penalty. Claude has no frequency penalty parameter, so retry
// escalation lands in the prompt instead.
func (s *AnthropicService) buildSystemPrompt(req *interfaces.GeneratorRequest, retrieved []*models.LTMRecord) string {
	var b strings.Builder
	if req.Personality.SystemPrompt != "" {
		b.WriteString(req.Personality.SystemPrompt)
	}

	if len(retrieved) > 0 {
		b.WriteString("\n\nRelevant things you remember:\n")
		for _, rec := range retrieved {
			b.WriteString("- ")
			b.WriteString(rec.Text)
			b.WriteString("\n")
		}
	}

	if len(req.Participants) > 0 {
		b.WriteString("\nParticipants in this conversation: ")
		b.WriteString(strings.Join(req.Participants, ", "))
		b.WriteString("\n")
	}

	if req.Params.FrequencyPenalty > 0 {
		b.WriteString("\nDo not repeat or closely paraphrase your earlier replies in this conversation; produce a fresh response.\n")
	}

	return strings.TrimSpace(b.String())
}

// buildMessages converts raw history plus the current message into Claude
// message params. Preprocessing descriptions ride along with the user turn.
func (s *AnthropicService) buildMessages(req *interfaces.GeneratorRequest) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, entry := range req.History {
		text := entry.Content
		// Assistant turns from other personalities read as labeled user
		// input, not as this personality's own words.
		if entry.Role == "assistant" && entry.PersonalityName != "" && entry.PersonalityName != req.Personality.Name {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(
				fmt.Sprintf("%s: %s", entry.PersonalityName, text),
			)))
			continue
		}
		switch entry.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}

	current := req.Message
	if extra := preprocessingText(req.Preprocessing); extra != "" {
		current = strings.TrimSpace(current + "\n\n" + extra)
	}
	if current == "" {
		if len(messages) == 0 {
			return nil, fmt.Errorf("cannot generate with empty message and empty history")
		}
	} else {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(current)))
	}
	return messages, nil
}

// preprocessingText renders child-job outputs as bracketed context blocks.
func preprocessingText(pre *models.PreprocessingResults) string {
	if pre == nil {
		return ""
	}
	var b strings.Builder
	for _, att := range pre.ProcessedAttachments {
		switch att.Kind {
		case models.ProcessedKindAudio:
			fmt.Fprintf(&b, "[Voice message transcript: %s]\n", att.Description)
		case models.ProcessedKindImage:
			fmt.Fprintf(&b, "[Image: %s]\n", att.Description)
		}
	}
	for refNum, atts := range pre.ReferenceAttachments {
		for _, att := range atts {
			fmt.Fprintf(&b, "[From referenced message %d, %s: %s]\n", refNum, att.Kind, att.Description)
		}
	}
	for _, att := range pre.ExtendedContextAttachments {
		fmt.Fprintf(&b, "[Earlier in this conversation, image: %s]\n", att.Description)
	}
	return strings.TrimSpace(b.String())
}

func (s *AnthropicService) deferredMemory(req *interfaces.GeneratorRequest, content string) *models.DeferredMemoryRecord {
	return &models.DeferredMemoryRecord{
		Text: fmt.Sprintf("User: %s\n%s: %s", req.Message, req.Personality.Name, content),
		Metadata: models.MemoryMetadata{
			RequestID:     req.RequestID,
			PersonaID:     req.Personality.PersonaID,
			PersonalityID: req.Personality.ID,
			UserID:        req.UserID,
			ChannelID:     req.ChannelID,
		},
	}
}

func maxTokensFor(req *interfaces.GeneratorRequest) int {
	if req.Params.MaxTokens > 0 {
		return req.Params.MaxTokens
	}
	return 8192
}
