package bot

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// ChurchInfo is the contact card included in the knowledge base.
type ChurchInfo struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
	Phone   string `yaml:"phone" json:"phone"`
	Email   string `yaml:"email" json:"email"`
	Website string `yaml:"website" json:"website,omitempty"`
}

// Topic is one question area the bot can answer.
type Topic struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Answer   string   `yaml:"answer" json:"answer"`
	Related  []string `yaml:"related" json:"related,omitempty"`
}

// KnowledgeBase holds the church FAQ used to answer questions.
type KnowledgeBase struct {
	Church   ChurchInfo `yaml:"church" json:"church"`
	Fallback string     `yaml:"fallback" json:"fallback"`
	Topics   []Topic    `yaml:"topics" json:"topics"`
}

// LoadKnowledgeBase reads a YAML knowledge base from path. An empty path
// loads the embedded default.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	data := defaultKnowledge
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge base: %w", err)
		}
		data = b
	}
	return ParseKnowledgeBase(data)
}

// ParseKnowledgeBase decodes and validates a YAML knowledge base.
func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	if len(kb.Topics) == 0 {
		return nil, fmt.Errorf("knowledge base has no topics")
	}
	for i, t := range kb.Topics {
		if t.Name == "" || t.Answer == "" || len(t.Keywords) == 0 {
			return nil, fmt.Errorf("knowledge base topic %d needs a name, an answer and keywords", i)
		}
	}
	if kb.Fallback == "" {
		kb.Fallback = "I'm not sure about that. Please contact the church office."
	}
	return &kb, nil
}

// Match returns the topic that best fits question and a 0-1 score.
// A topic scores 1 once three of its keywords appear.
func (kb *KnowledgeBase) Match(question string) (*Topic, float64) {
	words := make(map[string]struct{})
	for _, w := range tokenize(question) {
		words[w] = struct{}{}
	}

	var best *Topic
	bestScore := 0.0
	for i := range kb.Topics {
		t := &kb.Topics[i]
		hits := 0
		for _, k := range t.Keywords {
			if _, ok := words[stem(strings.ToLower(k))]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(min(len(t.Keywords), 3))
		score = math.Min(1, math.Round(score*100)/100)
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimSuffix(strings.Trim(f, "'"), "'s")
		if f != "" {
			out = append(out, stem(f))
		}
	}
	return out
}

// stem drops a plural "s" so "times" matches "time".
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

// KnowledgeResponder answers from the knowledge base.
type KnowledgeResponder struct {
	kb *KnowledgeBase
}

// NewKnowledgeResponder creates a responder over kb.
func NewKnowledgeResponder(kb *KnowledgeBase) *KnowledgeResponder {
	return &KnowledgeResponder{kb: kb}
}

// Name implements Responder.
func (k *KnowledgeResponder) Name() string { return "knowledge" }

// Respond implements Responder. A question with no matching topic yields
// the fallback text with zero confidence.
func (k *KnowledgeResponder) Respond(_ context.Context, req Request) (*Reply, error) {
	topic, score := k.kb.Match(req.Message)
	if topic == nil {
		return &Reply{Text: k.kb.Fallback, Confidence: 0, Source: k.Name()}, nil
	}
	return &Reply{
		Text:          topic.Answer,
		Confidence:    score,
		RelatedTopics: topic.Related,
		Source:        k.Name(),
	}, nil
}
