// Package bot produces replies for the development chat API.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/christ-community/landing-page-sub000/internal/domain"
)

// Request is a visitor question with its recent conversation.
type Request struct {
	SessionID string
	Message   string
	History   []domain.ChatMessage
}

// Reply is a bot answer.
type Reply struct {
	Text          string
	Confidence    float64
	RelatedTopics []string
	Source        string
}

// Responder answers visitor questions.
type Responder interface {
	// Name identifies the responder in logs.
	Name() string

	// Respond answers req.
	Respond(ctx context.Context, req Request) (*Reply, error)
}

// Ensure implementations satisfy Responder.
var (
	_ Responder = (*KnowledgeResponder)(nil)
	_ Responder = (*OpenAIResponder)(nil)
)

// Stats contains responder statistics.
type Stats struct {
	TopicCount     int   `json:"topic_count"`
	KnowledgeHits  int64 `json:"knowledge_hits"`
	FallbackHits   int64 `json:"fallback_hits"`
	FallbackErrors int64 `json:"fallback_errors"`
	LLMEnabled     bool  `json:"llm_enabled"`
}

// Service answers from the knowledge base and hands low-confidence questions
// to an optional fallback responder.
type Service struct {
	kb        *KnowledgeBase
	primary   Responder
	fallback  Responder
	threshold float64

	knowledgeHits  atomic.Int64
	fallbackHits   atomic.Int64
	fallbackErrors atomic.Int64
}

// NewService creates a service over kb. fallback may be nil.
func NewService(kb *KnowledgeBase, fallback Responder, threshold float64) (*Service, error) {
	if kb == nil {
		return nil, fmt.Errorf("knowledge base is required")
	}
	return &Service{
		kb:        kb,
		primary:   NewKnowledgeResponder(kb),
		fallback:  fallback,
		threshold: threshold,
	}, nil
}

// Respond answers req. It only fails if ctx is done.
func (s *Service) Respond(ctx context.Context, req Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply, err := s.primary.Respond(ctx, req)
	if err == nil && reply.Confidence >= s.threshold {
		s.knowledgeHits.Add(1)
		return reply, nil
	}

	if s.fallback != nil {
		fb, fbErr := s.fallback.Respond(ctx, req)
		if fbErr == nil {
			s.fallbackHits.Add(1)
			return fb, nil
		}
		s.fallbackErrors.Add(1)
		slog.Warn("Fallback responder failed", "responder", s.fallback.Name(), "session_id", req.SessionID, "error", fbErr)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if err != nil || reply == nil {
		return &Reply{Text: s.kb.Fallback, Source: "fallback"}, nil
	}
	return reply, nil
}

// Knowledge returns the knowledge base served to clients.
func (s *Service) Knowledge() *KnowledgeBase {
	return s.kb
}

// GetStats returns responder statistics.
func (s *Service) GetStats() Stats {
	return Stats{
		TopicCount:     len(s.kb.Topics),
		KnowledgeHits:  s.knowledgeHits.Load(),
		FallbackHits:   s.fallbackHits.Load(),
		FallbackErrors: s.fallbackErrors.Load(),
		LLMEnabled:     s.fallback != nil,
	}
}
