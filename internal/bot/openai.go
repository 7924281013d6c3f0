package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	openAITimeout      = 20 * time.Second
	openAIMaxTokens    = 300
	openAIHistoryTurns = 10

	// llmConfidence is reported for model answers, which carry no score of their own.
	llmConfidence = 0.7
)

// OpenAIResponder answers with a chat completion grounded on the knowledge base.
type OpenAIResponder struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAIResponder creates a responder. baseURL may be empty for the public API.
func NewOpenAIResponder(apiKey, model, baseURL string, kb *KnowledgeBase) *OpenAIResponder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIResponder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		system: systemPrompt(kb),
	}
}

// Name implements Responder.
func (o *OpenAIResponder) Name() string { return "openai" }

// Respond implements Responder.
func (o *OpenAIResponder) Respond(ctx context.Context, req Request) (*Reply, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: o.system},
	}
	history := req.History
	if len(history) > openAIHistoryTurns {
		history = history[len(history)-openAIHistoryTurns:]
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.IsFromBot() {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	ctx, cancel := context.WithTimeout(ctx, openAITimeout)
	defer cancel()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.2,
		MaxTokens:   openAIMaxTokens,
		Messages:    messages,
		User:        req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("chat completion returned an empty answer")
	}
	return &Reply{Text: text, Confidence: llmConfidence, Source: o.Name()}, nil
}

func systemPrompt(kb *KnowledgeBase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the friendly website assistant for %s. ", kb.Church.Name)
	b.WriteString("Answer briefly and only from the facts below. ")
	b.WriteString("If the facts do not cover the question, say so and point the visitor to the church office.\n\n")
	fmt.Fprintf(&b, "Address: %s\nPhone: %s\nEmail: %s\n\n", kb.Church.Address, kb.Church.Phone, kb.Church.Email)
	for _, t := range kb.Topics {
		fmt.Fprintf(&b, "%s: %s\n", t.Name, strings.TrimSpace(t.Answer))
	}
	return b.String()
}
