// Package ollama drives the local model runtime over its /api/generate
// endpoint. Every invocation lands in llm_insights, failures included,
// so model behavior stays auditable after the fact.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/rs/zerolog"
)

// Temperatures are fixed per call shape, not configurable.
const (
	tempStructured = 0.3
	tempNarrate    = 0.5
	tempTutor      = 0.7
)

// Well-known insight_type values
const (
	InsightNewsVeto     = "NEWS_VETO"
	InsightRiskApproval = "RISK_APPROVAL"
	InsightNarration    = "EOD_NARRATION"
	InsightTalk         = "TALK"
	InsightMarket       = "MARKET_INSIGHT"
)

// riskApprovalContract is the fixed prompt suffix for the final risk
// check. The response grammar is the whole contract: anything that is
// not APPROVE or VETO: <reason> is treated as a veto.
const riskApprovalContract = "\n\nYou are the final risk check before order submission. " +
	"Reply with exactly APPROVE to allow the trade, or VETO: <short reason> to block it. " +
	"Reply with nothing else."

// InsightStore persists the audit row written after each invocation
type InsightStore interface {
	Create(in *domain.LlmInsight) error
}

// Config holds LLM client configuration
type Config struct {
	BaseURL           string
	Model             string
	StructuredTimeout time.Duration // veto and approval calls
	NarrateTimeout    time.Duration // free-text calls
}

// Client is the Ollama HTTP client
type Client struct {
	baseURL           string
	model             string
	structuredTimeout time.Duration
	narrateTimeout    time.Duration
	httpClient        *http.Client
	insights          InsightStore
	log               zerolog.Logger
	now               func() time.Time
}

// NewClient creates a new Ollama client. insights may be nil, in which
// case calls still work but leave no audit trail.
func NewClient(cfg Config, insights InsightStore, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	if cfg.StructuredTimeout <= 0 {
		cfg.StructuredTimeout = 5 * time.Second
	}
	if cfg.NarrateTimeout <= 0 {
		cfg.NarrateTimeout = 30 * time.Second
	}

	return &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		model:             cfg.Model,
		structuredTimeout: cfg.StructuredTimeout,
		narrateTimeout:    cfg.NarrateTimeout,
		httpClient:        &http.Client{},
		insights:          insights,
		log:               log.With().Str("client", "ollama").Logger(),
		now:               time.Now,
	}
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// generateRequest is the /api/generate payload
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

// generateResponse is the non-streaming /api/generate reply
type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// EvaluateStructured runs a low-temperature call expected to return a
// JSON object containing every key in expectedKeys. A leading ```json
// fence is tolerated and stripped. The insight row is written on
// success and on every failure mode, with the measured round-trip time.
func (c *Client) EvaluateStructured(ctx context.Context, prompt string, expectedKeys []string, insightType, source, symbol string) (map[string]interface{}, error) {
	started := c.now()
	raw, err := c.generate(ctx, prompt, tempStructured, c.structuredTimeout)
	elapsed := c.now().Sub(started).Milliseconds()

	insight := &domain.LlmInsight{
		Timestamp:        started,
		InsightType:      insightType,
		Source:           source,
		Symbol:           symbol,
		Prompt:           prompt,
		ModelName:        c.model,
		ProcessingTimeMs: elapsed,
	}

	if err != nil {
		insight.ErrorMessage = err.Error()
		c.recordInsight(insight)
		return nil, err
	}

	clean := stripJSONFence(raw)

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		insight.ErrorMessage = fmt.Sprintf("unparseable response: %v", err)
		insight.ResponseJSON = truncate(clean, 2000)
		c.recordInsight(insight)
		return nil, fmt.Errorf("failed to parse structured response: %w", err)
	}

	var missing []string
	for _, key := range expectedKeys {
		if _, ok := parsed[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		insight.ErrorMessage = fmt.Sprintf("missing keys: %s", strings.Join(missing, ", "))
		insight.ResponseJSON = truncate(clean, 2000)
		c.recordInsight(insight)
		return nil, fmt.Errorf("structured response missing keys: %s", strings.Join(missing, ", "))
	}

	insight.Success = true
	insight.ResponseJSON = clean
	c.recordInsight(insight)

	return parsed, nil
}

// Narrate runs a mid-temperature free-text call, used for the EOD
// narration and report prose.
func (c *Client) Narrate(ctx context.Context, prompt, insightType, source, symbol string) (string, error) {
	return c.freeText(ctx, prompt, tempNarrate, insightType, source, symbol)
}

// Tutor runs the high-temperature conversational call behind the talk
// command.
func (c *Client) Tutor(ctx context.Context, prompt, source string) (string, error) {
	return c.freeText(ctx, prompt, tempTutor, InsightTalk, source, "")
}

func (c *Client) freeText(ctx context.Context, prompt string, temperature float64, insightType, source, symbol string) (string, error) {
	started := c.now()
	raw, err := c.generate(ctx, prompt, temperature, c.narrateTimeout)
	elapsed := c.now().Sub(started).Milliseconds()

	insight := &domain.LlmInsight{
		Timestamp:        started,
		InsightType:      insightType,
		Source:           source,
		Symbol:           symbol,
		Prompt:           prompt,
		ModelName:        c.model,
		ProcessingTimeMs: elapsed,
	}

	if err != nil {
		insight.ErrorMessage = err.Error()
		c.recordInsight(insight)
		return "", err
	}

	text := strings.TrimSpace(raw)
	insight.Success = true
	insight.Explanation = truncate(text, 4000)
	c.recordInsight(insight)

	return text, nil
}

// Approval is the outcome of the risk-approval contract
type Approval struct {
	Approved bool
	Reason   string
}

// ApproveRisk asks the model for final trade approval. The contract is
// strict: only an exact APPROVE approves, a VETO: prefix vetoes with
// its reason, and everything else, transport failures included, vetoes.
func (c *Client) ApproveRisk(ctx context.Context, tradeSummary string) Approval {
	prompt := tradeSummary + riskApprovalContract

	started := c.now()
	raw, err := c.generate(ctx, prompt, tempStructured, c.structuredTimeout)
	elapsed := c.now().Sub(started).Milliseconds()

	insight := &domain.LlmInsight{
		Timestamp:        started,
		InsightType:      InsightRiskApproval,
		Source:           "risk_manager",
		Prompt:           prompt,
		ModelName:        c.model,
		ProcessingTimeMs: elapsed,
	}

	if err != nil {
		insight.ErrorMessage = err.Error()
		insight.Recommendation = "VETO"
		c.recordInsight(insight)
		return Approval{Approved: false, Reason: fmt.Sprintf("llm unavailable: %v", err)}
	}

	resp := strings.TrimSpace(raw)
	switch {
	case resp == "APPROVE":
		insight.Success = true
		insight.Recommendation = "APPROVE"
		c.recordInsight(insight)
		return Approval{Approved: true}
	case strings.HasPrefix(resp, "VETO:"):
		insight.Success = true
		insight.Recommendation = "VETO"
		insight.Explanation = strings.TrimSpace(strings.TrimPrefix(resp, "VETO:"))
		c.recordInsight(insight)
		return Approval{Approved: false, Reason: insight.Explanation}
	default:
		insight.ErrorMessage = fmt.Sprintf("malformed approval response: %s", truncate(resp, 200))
		insight.Recommendation = "VETO"
		c.recordInsight(insight)
		return Approval{Approved: false, Reason: fmt.Sprintf("malformed approval response: %s", truncate(resp, 200))}
	}
}

// generate performs one non-streaming completion
func (c *Client) generate(ctx context.Context, prompt string, temperature float64, timeout time.Duration) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: temperature},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(data)), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return out.Response, nil
}

// recordInsight writes the audit row. An audit failure is logged and
// never fails the call that produced it.
func (c *Client) recordInsight(in *domain.LlmInsight) {
	if c.insights == nil {
		return
	}
	if err := c.insights.Create(in); err != nil {
		c.log.Error().Err(err).Str("insight_type", in.InsightType).Msg("Failed to record LLM insight")
	}
}

// fenceRe matches a response wrapped in ```json ... ``` or ``` ... ```
var fenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

func stripJSONFence(response string) string {
	response = strings.TrimSpace(response)
	if matches := fenceRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
