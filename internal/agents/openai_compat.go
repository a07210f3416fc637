package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// OpenAICompatEvaluator evaluates tasks through any OpenAI-compatible chat
// completions endpoint (Groq in the default configuration).
type OpenAICompatEvaluator struct {
	agent    types.Agent
	baseURL  string
	apiKey   string
	client   *http.Client
	reporter UsageReporter
}

// NewOpenAICompatEvaluator creates an evaluator for an OpenAI-compatible API.
func NewOpenAICompatEvaluator(agent types.Agent, baseURL, apiKey string, reporter UsageReporter) (*OpenAICompatEvaluator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("evaluator %s: API key is required", agent.ID)
	}
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	return &OpenAICompatEvaluator{
		agent:   agent,
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 45 * time.Second,
		},
		reporter: reporter,
	}, nil
}

// Agent returns the backing agent metadata.
func (o *OpenAICompatEvaluator) Agent() types.Agent { return o.agent }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Evaluate posts a chat completion request and parses the structured verdict.
// A 429 is reported to the budget manager so the provider rotates immediately.
func (o *OpenAICompatEvaluator) Evaluate(ctx context.Context, task types.Task, ec EvalContext) (types.Verdict, error) {
	model := o.agent.Model
	if ec.Route.Provider == o.agent.Provider && ec.Route.Model != "" {
		model = ec.Route.Model
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(o.agent, task, ec)},
			{Role: "user", Content: userPrompt(task)},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return types.Verdict{}, fmt.Errorf("agent %s: marshal request: %w", o.agent.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return types.Verdict{}, fmt.Errorf("agent %s: build request: %w", o.agent.ID, err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		logging.Get(logging.CategoryAgents).Warn("call failed for %s: %v", o.agent.ID, err)
		return types.Verdict{}, fmt.Errorf("agent %s: %w", o.agent.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Verdict{}, fmt.Errorf("agent %s: read response: %w", o.agent.ID, err)
	}

	if resp.StatusCode != http.StatusOK {
		if o.reporter != nil {
			o.reporter.Record(types.Usage{
				Provider:   o.agent.Provider,
				Model:      model,
				StatusCode: resp.StatusCode,
			})
		}
		return types.Verdict{}, fmt.Errorf("agent %s: API error %d: %s", o.agent.ID, resp.StatusCode, truncate(string(data), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return types.Verdict{}, fmt.Errorf("agent %s: decode response: %w", o.agent.ID, err)
	}
	if len(cr.Choices) == 0 {
		return types.Verdict{}, fmt.Errorf("agent %s: empty choices", o.agent.ID)
	}

	if o.reporter != nil {
		o.reporter.Record(types.Usage{
			Provider:     o.agent.Provider,
			Model:        model,
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
			StatusCode:   resp.StatusCode,
		})
	}

	return parseVerdict(o.agent, cr.Choices[0].Message.Content, latency)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
