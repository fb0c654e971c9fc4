package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
	"tldr-bot/internal/infra/tracer"
)

// TokenLimits bound the output budget of a summary request.
type TokenLimits struct {
	MaxContext int
	MaxOutput  int
	Buffer     int
	// MinOutput is the smallest useful budget; below it the prompt is too large.
	MinOutput int
}

// OutputBudget returns min(MaxContext - input - Buffer, MaxOutput), floored at 0.
func (l TokenLimits) OutputBudget(inputTokens int) int {
	budget := l.MaxContext - inputTokens - l.Buffer
	if budget < 0 {
		return 0
	}
	return min(budget, l.MaxOutput)
}

// ResponsesClient streams summaries from the OpenAI Responses API.
type ResponsesClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	orgID   string
	model   string
	limits  TokenLimits
	tokens  TokenCounter
	logger  *slog.Logger
}

// NewResponsesClient creates a streaming client. A nil client uses NewHTTPClient(cfg).
func NewResponsesClient(cfg config.OpenAIConfig, client *http.Client, tokens TokenCounter, logger *slog.Logger) *ResponsesClient {
	if client == nil {
		client = NewHTTPClient(cfg)
	}
	if tokens == nil {
		tokens = FuncCounter(EstimateTokens)
	}
	return &ResponsesClient{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		orgID:   cfg.OrgID,
		model:   cfg.Model,
		limits: TokenLimits{
			MaxContext: cfg.MaxContextTokens,
			MaxOutput:  cfg.MaxOutputTokens,
			Buffer:     cfg.TokenBuffer,
			MinOutput:  cfg.MinOutputTokens,
		},
		tokens: tokens,
		logger: logger,
	}
}

// Responses API request types.
type responsesRequest struct {
	Model           string           `json:"model"`
	Input           []responsesInput `json:"input"`
	MaxOutputTokens int              `json:"max_output_tokens"`
	Stream          bool             `json:"stream"`
}

type responsesInput struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

type inputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// buildInput converts a prompt to Responses API input items. Assistant turns
// are dropped; the API only accepts them as prior outputs.
func buildInput(prompt []domain.PromptMessage) []responsesInput {
	input := make([]responsesInput, 0, len(prompt))
	for _, m := range prompt {
		role := string(m.Role)
		switch m.Role {
		case domain.RoleAssistant:
			continue
		case domain.RoleSystem:
		default:
			role = string(domain.RoleUser)
		}
		input = append(input, responsesInput{
			Role:    role,
			Content: []inputPart{{Type: "input_text", Text: m.Text}},
		})
	}
	return input
}

// StreamSummary implements domain.SummaryStreamer.
func (c *ResponsesClient) StreamSummary(ctx context.Context, prompt []domain.PromptMessage) (domain.EventStream, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream")
	var err error
	defer func() { tracer.End(span, err) }()

	inputTokens := 0
	for _, m := range prompt {
		inputTokens += c.tokens.Count(m.Text)
	}
	maxOutput := c.limits.OutputBudget(inputTokens)
	span.SetAttributes(
		tracer.StringAttr("llm.model", c.model),
		tracer.IntAttr("llm.input_tokens", inputTokens),
		tracer.IntAttr("llm.max_output_tokens", maxOutput),
	)
	c.logger.Info("opening summary stream",
		"model", c.model, "messages", len(prompt),
		"input_tokens", inputTokens, "max_output_tokens", maxOutput)

	if maxOutput < c.limits.MinOutput {
		err = domain.NewSubSystemError("llm", "Responses.StreamSummary", domain.ErrPromptTooLarge,
			fmt.Sprintf("%d input tokens leave %d for output", inputTokens, maxOutput))
		return nil, err
	}

	body, err := json.Marshal(responsesRequest{
		Model:           c.model,
		Input:           buildInput(prompt),
		MaxOutputTokens: maxOutput,
		Stream:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if c.orgID != "" {
		headers["OpenAI-Organization"] = c.orgID
	}

	resp, err := doStreamRequest(ctx, c.client, c.baseURL+"/v1/responses", body, headers)
	if err != nil {
		return nil, err
	}
	return NewResponseStream(resp.Body, c.logger), nil
}

var _ domain.SummaryStreamer = (*ResponsesClient)(nil)
