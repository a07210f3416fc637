package agents

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/logging"
	"github.com/AA967-LLM/gemini-agent-governance-kernel/internal/types"
)

// UsageReporter receives consumption reports after each call. Implemented by
// the budget manager.
type UsageReporter interface {
	Record(usage types.Usage)
}

// GeminiEvaluator evaluates tasks through the Google GenAI API.
type GeminiEvaluator struct {
	agent    types.Agent
	client   *genai.Client
	reporter UsageReporter
}

// NewGeminiEvaluator creates an evaluator backed by the GenAI client.
func NewGeminiEvaluator(agent types.Agent, apiKey string, reporter UsageReporter) (*GeminiEvaluator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini evaluator %s: API key is required", agent.ID)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini evaluator %s: create client: %w", agent.ID, err)
	}
	return &GeminiEvaluator{agent: agent, client: client, reporter: reporter}, nil
}

// Agent returns the backing agent metadata.
func (g *GeminiEvaluator) Agent() types.Agent { return g.agent }

// Evaluate submits the task and parses the structured verdict. The model
// honored is the routed model when set, otherwise the agent's default.
func (g *GeminiEvaluator) Evaluate(ctx context.Context, task types.Task, ec EvalContext) (types.Verdict, error) {
	model := g.agent.Model
	if ec.Route.Provider == g.agent.Provider && ec.Route.Model != "" {
		model = ec.Route.Model
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model,
		genai.Text(userPrompt(task)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt(g.agent, task, ec), genai.RoleUser),
			Temperature:       genai.Ptr[float32](0.2),
			ResponseMIMEType:  "application/json",
		},
	)
	latency := time.Since(start)
	if err != nil {
		logging.Get(logging.CategoryAgents).Warn("gemini call failed for %s: %v", g.agent.ID, err)
		return types.Verdict{}, fmt.Errorf("agent %s: %w", g.agent.ID, err)
	}

	if g.reporter != nil && resp.UsageMetadata != nil {
		g.reporter.Record(types.Usage{
			Provider:     g.agent.Provider,
			Model:        model,
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			StatusCode:   200,
		})
	}

	return parseVerdict(g.agent, resp.Text(), latency)
}
