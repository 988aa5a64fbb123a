// Package llm wraps the remote completion service behind the three
// JSON-schema-constrained capabilities the pipeline consumes: intent
// classification, action extraction, and food macro estimation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voicelog/internal/action"
)

// Intent is the classifier verdict for a transcript.
type Intent struct {
	HasAction   bool     `json:"has_action"`
	ActionTypes []string `json:"action_types"`
}

// Macros is a nutrition estimate for one food item.
type Macros struct {
	Calories float64 `json:"calories"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
}

// Client issues chat-completion calls with bounded retries and a per-call
// timeout. Safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	retry       RetryConfig
	callTimeout time.Duration
}

// Options configures a Client. Zero values fall back to production defaults.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Retry       RetryConfig
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

func NewClient(opts Options) *Client {
	c := &Client{
		httpClient:  opts.HTTPClient,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		retry:       opts.Retry,
		callTimeout: opts.CallTimeout,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.openai.com"
	}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = DefaultRetryConfig(500 * time.Millisecond)
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 15 * time.Second
	}
	return c
}

const classifySystemPrompt = `You are a triage filter for a voice health logger.
Decide whether the user's sentence contains a loggable action (drinking water,
eating food, reporting a symptom, taking or adding a vitamin or supplement).
Return STRICT JSON ONLY with keys: has_action (boolean), action_types (array
of strings from: log_water, log_food, log_symptom, log_vitamin, add_vitamin).
Idle chatter, questions, and observations about surroundings are not actions.`

const extractSystemPrompt = `You extract health log actions from a spoken sentence.
Return STRICT JSON ONLY: {"actions": [{"kind", "confidence", "item", "amount",
"unit", "severity", "meal_type", "notes", "timestamp", "symptoms", "frequency",
"components"}]}.
Rules:
- kind is one of: log_water, log_food, log_symptom, log_vitamin, add_vitamin, unknown
- confidence is a number in [0,1]
- timestamp, when the user names a time, is ISO-8601; otherwise omit it
- meal_type, when implied, is one of: breakfast, lunch, dinner, snack
- Foods joined by "and"/"with" or a cooking verb were eaten together: emit ONE
  log_food action whose components array lists the sub-items.
- Foods separated by temporal markers ("then", "later", "after that") were eaten
  sequentially: emit SEPARATE log_food actions in spoken order.
- Omit fields you cannot fill. Never invent quantities.`

const macrosSystemPrompt = `You estimate nutrition for a single food item as typically served.
Return STRICT JSON ONLY with keys: calories, protein_g, carbs_g, fat_g.
All values are numbers for one serving of the named food.`

// ClassifyIntent is the cheap pre-filter that avoids running full extraction
// on idle chatter.
func (c *Client) ClassifyIntent(ctx context.Context, transcript string) (Intent, error) {
	var out Intent
	content, err := c.completeJSON(ctx, classifySystemPrompt, transcript)
	if err != nil {
		return out, err
	}
	var raw struct {
		HasAction   *bool    `json:"has_action"`
		ActionTypes []string `json:"action_types"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return out, schemaError("intent decode: %v", err)
	}
	if raw.HasAction == nil {
		return out, schemaError("intent missing has_action")
	}
	out.HasAction = *raw.HasAction
	out.ActionTypes = raw.ActionTypes
	return out, nil
}

type wireAction struct {
	Kind       string             `json:"kind"`
	Confidence float64            `json:"confidence"`
	Item       string             `json:"item"`
	Amount     string             `json:"amount"`
	Unit       string             `json:"unit"`
	Severity   string             `json:"severity"`
	MealType   string             `json:"meal_type"`
	Notes      string             `json:"notes"`
	Timestamp  string             `json:"timestamp"`
	Symptoms   []string           `json:"symptoms"`
	Frequency  string             `json:"frequency"`
	Components []action.Component `json:"components"`
}

// ExtractActions converts a transcript into zero or more typed actions.
func (c *Client) ExtractActions(ctx context.Context, transcript string) ([]action.Action, error) {
	content, err := c.completeJSON(ctx, extractSystemPrompt, transcript)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Actions []wireAction `json:"actions"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, schemaError("actions decode: %v", err)
	}
	out := make([]action.Action, 0, len(raw.Actions))
	for _, wa := range raw.Actions {
		conf := wa.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		out = append(out, action.Action{
			Kind:       action.ParseKind(wa.Kind),
			Confidence: conf,
			Details: action.Details{
				Item:       strings.TrimSpace(wa.Item),
				Amount:     strings.TrimSpace(wa.Amount),
				Unit:       strings.TrimSpace(wa.Unit),
				Severity:   strings.TrimSpace(wa.Severity),
				MealType:   strings.TrimSpace(wa.MealType),
				Notes:      strings.TrimSpace(wa.Notes),
				Timestamp:  strings.TrimSpace(wa.Timestamp),
				Symptoms:   trimAll(wa.Symptoms),
				Frequency:  strings.TrimSpace(wa.Frequency),
				Components: wa.Components,
			},
		})
	}
	return out, nil
}

// EstimateFoodMacros returns a macro estimate for one food name.
func (c *Client) EstimateFoodMacros(ctx context.Context, foodName string) (Macros, error) {
	var out Macros
	content, err := c.completeJSON(ctx, macrosSystemPrompt, foodName)
	if err != nil {
		return out, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return out, schemaError("macros decode: %v", err)
	}
	for _, key := range []string{"calories", "protein_g", "carbs_g", "fat_g"} {
		if _, ok := raw[key]; !ok {
			return out, schemaError("macros missing key %q", key)
		}
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return out, schemaError("macros decode: %v", err)
	}
	if out.Calories < 0 || out.ProteinG < 0 || out.CarbsG < 0 || out.FatG < 0 {
		return Macros{}, schemaError("macros contain negative values")
	}
	return out, nil
}

// completeJSON posts one chat completion constrained to a JSON object and
// returns the raw content, retrying per the retry config. Each attempt races
// against the per-call timeout.
func (c *Client) completeJSON(ctx context.Context, system, user string) (string, error) {
	var content string
	err := doWithRetry(ctx, c.retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		got, err := c.completeOnce(callCtx, system, user)
		if err != nil {
			return err
		}
		content = got
		return nil
	})
	return content, err
}

func (c *Client) completeOnce(ctx context.Context, system, user string) (string, error) {
	payload := map[string]interface{}{
		"model":       c.model,
		"temperature": 0.1,
		"response_format": map[string]string{
			"type": "json_object",
		},
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	buf, _ := json.Marshal(payload)

	endpoint := c.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", statusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(wrapper.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	content := strings.TrimSpace(wrapper.Choices[0].Message.Content)
	obj := extractJSONObject(content)
	if obj == "" {
		return "", schemaError("no json object in completion")
	}
	return obj, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// extractJSONObject pulls the first balanced JSON object out of a completion,
// tolerating stray prose around it.
func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}
