// Package llm extracts structured summaries from news content through an
// OpenAI-compatible chat API. The Perplexity endpoint is the production
// target; everything else treats the summarizer as an optional collaborator
// behind the Summarizer interface.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/heinrisch/infomentor-rev/pkg/portal"
)

const (
	// PerplexityBaseURL is the OpenAI-compatible endpoint for Perplexity.
	PerplexityBaseURL = "https://api.perplexity.ai"

	defaultModel = "sonar-pro"

	systemPrompt = "You are a strict data extraction AI. You output ONLY JSON."
)

// Summarizer turns a news item's HTML into a structured analysis.
type Summarizer interface {
	Summarize(ctx context.Context, content, publishedDate string) (*portal.Analysis, error)
	Enabled() bool
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	client  openai.Client
	model   string
	logger  *slog.Logger
	enabled bool
}

// New creates a summarizer against the Perplexity API. An empty API key
// yields a disabled client; callers fall back to plain excerpts.
func New(apiKey string, logger *slog.Logger) *Client {
	if apiKey == "" {
		return &Client{logger: logger}
	}
	return &Client{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(PerplexityBaseURL),
		),
		model:   defaultModel,
		logger:  logger,
		enabled: true,
	}
}

// Enabled reports whether an API key was configured.
func (c *Client) Enabled() bool { return c.enabled }

// Summarize asks the model for a Swedish summary, highlights, and dated
// events extracted from the news content.
func (c *Client) Summarize(ctx context.Context, content, publishedDate string) (*portal.Analysis, error) {
	if !c.enabled {
		return nil, nil
	}

	c.logger.Info("LLM request starting", "model", c.model, "content_length", len(content))
	startTime := time.Now()

	response, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(systemPrompt),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(userPrompt(content, publishedDate)),
					},
				},
			},
		},
	})
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("LLM request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	c.logger.Info("LLM request completed", "duration_ms", duration.Milliseconds())

	raw := response.Choices[0].Message.Content
	cleaned := CleanJSONResponse(raw)

	var analysis portal.Analysis
	if err := json.Unmarshal([]byte(cleaned), &analysis); err != nil {
		return nil, fmt.Errorf("parse analysis JSON: %w", err)
	}
	return &analysis, nil
}

var (
	jsonFencePattern  = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	plainFencePattern = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// CleanJSONResponse extracts the JSON object from a model response that may
// wrap it in markdown code fences or surrounding prose.
func CleanJSONResponse(response string) string {
	if strings.Contains(response, "```json") {
		if m := jsonFencePattern.FindStringSubmatch(response); m != nil {
			return m[1]
		}
	} else if strings.Contains(response, "```") {
		if m := plainFencePattern.FindStringSubmatch(response); m != nil {
			return m[1]
		}
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end != -1 && end > start {
		return response[start : end+1]
	}
	return response
}

func userPrompt(content, publishedDate string) string {
	return fmt.Sprintf(`The current news item was published on: %[1]s.

Analyze the following school news text (which may be HTML) and extract specific information.

1. Create a concise summary highlighting important information for a parent (in Swedish).
2. Highlight extra important sections of information, like school ends early.
3. Extract any specific events that have a date and time.

IMPORTANT: All dates mentioned in the text (like "on Friday" or "tomorrow") must be calculated relative to the publish date: %[1]s.
If a year is not specified, assume it is the same year as the publish date, unless the date has already passed relative to the publish date, in which case it is the next year.

Return ONLY a valid JSON object with this structure. Do not include any markdown formatting or explanations outside the JSON.
Do not include any preamble. Start directly with the JSON object.
{
    "summary": "The summary text...",
    "highlights": [
        "Ta med gosedjur den 11/12",
        "Skolan slutar 15.00 den 1/2"
    ],
    "events": [
        {
            "title": "Event Title",
            "start": "YYYY-MM-DDTHH:MM:SS",
            "end": "YYYY-MM-DDTHH:MM:SS",
            "description": "Details about the event"
        }
    ]
}
Rules for events:
- If a date is mentioned without a year, assume the next occurrence of that date.
- If no specific time is mentioned for a date, assume 08:00:00 for start and 09:00:00 for end.
- Format dates strictly as ISO 8601 (YYYY-MM-DDTHH:MM:SS).
- If no events are found, "events" should be an empty list.
- Respond with only the JSON object, wrapped in three backticks (`+"```json ... ```"+`).

Text to analyze:
%s`, publishedDate, content)
}
