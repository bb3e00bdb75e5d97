package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Summarizer turns metrics and alerts into monitor prose. It is best-effort
// enrichment: an empty result or an error leaves the computed summary in
// place, so absence of configuration never affects correctness.
type Summarizer interface {
	Summarize(ctx context.Context, metrics SystemMetrics, alerts []Alert) (string, error)
}

// NoopSummarizer never enriches; the computed summary stands
type NoopSummarizer struct{}

// Summarize returns an empty string so the caller keeps its own summary
func (NoopSummarizer) Summarize(ctx context.Context, metrics SystemMetrics, alerts []Alert) (string, error) {
	return "", nil
}

// OpenAISummarizer asks a chat model to phrase the monitor summary
type OpenAISummarizer struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAISummarizer creates a summarizer using the given API key
func NewOpenAISummarizer(apiKey string) *OpenAISummarizer {
	return &OpenAISummarizer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModelGPT4oMini,
	}
}

// Summarize sends metrics and alerts to the model and returns its wording
func (s *OpenAISummarizer) Summarize(ctx context.Context, metrics SystemMetrics, alerts []Alert) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"metrics": map[string]interface{}{
			"cpu":              fmt.Sprintf("%.1f%%", metrics.CPU),
			"memory":           fmt.Sprintf("%.1f%%", metrics.Memory),
			"dbLatency":        fmt.Sprintf("%dms", metrics.DBLatencyMs),
			"activeWebSockets": metrics.ActiveWebSockets,
			"activeSessions":   metrics.ActiveSessions,
			"messagesLastHour": metrics.MessagesLastHour,
		},
		"alerts": alerts,
	})
	if err != nil {
		return "", err
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a system monitoring assistant. Summarize system health and alerts in a concise, professional manner."),
			openai.UserMessage(string(payload)),
		},
		MaxTokens:   openai.Int(150),
		Temperature: openai.Float(0.7),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
