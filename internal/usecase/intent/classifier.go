// Package intent classifies free-text requests into intents with a confidence
// score, a detected language and a suggested agent type.
package intent

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

const (
	baseScore      = 0.5
	perKeyword     = 0.15
	matchCap       = 0.85
	mediumPrompt   = 50
	longPrompt     = 150
	mediumBoost    = 0.05
	longBoost      = 0.1
	confidenceCap  = 0.95
	unknownScore   = 0.1
	maxAlternative = 3
)

// Classifier is a stateless keyword classifier. Train persists feedback
// through the injected store but never alters classification results.
type Classifier struct {
	store  domain.FeedbackStore
	logger *slog.Logger
	now    func() time.Time
}

// NewClassifier creates a classifier. store may be nil, in which case Train
// reports domain.ErrNotSupported.
func NewClassifier(store domain.FeedbackStore, log *slog.Logger) *Classifier {
	return &Classifier{
		store:  store,
		logger: logger.Component(log, "intent"),
		now:    time.Now,
	}
}

type candidate struct {
	intent   string
	score    float64
	keywords []string
	order    int
	dominant bool
}

// Classify labels req. The same request always yields the same result.
func (c *Classifier) Classify(_ context.Context, req *domain.Request) (*domain.IntentClassification, error) {
	if req == nil {
		return nil, domain.NewDomainError("Classifier.Classify", domain.ErrValidation, "request is nil")
	}

	text := strings.ToLower(req.Prompt)
	length := utf8.RuneCountInString(req.Prompt)
	language := detectLanguage(req.FilePath, req.Content, req.Prompt)

	ranked := rank(text, length)

	result := &domain.IntentClassification{
		Intent:     domain.IntentUnknown,
		Confidence: unknownScore,
		Language:   language,
		Context: map[string]any{
			"prompt_length": length,
			"has_file":      req.FilePath != "",
		},
	}
	if req.FilePath != "" {
		result.Context["file_extension"] = strings.ToLower(filepath.Ext(req.FilePath))
	}

	if len(ranked) > 0 {
		top := ranked[0]
		result.Intent = top.intent
		result.Confidence = top.score
		result.Keywords = top.keywords
		for _, alt := range ranked[1:] {
			if len(result.Alternatives) == maxAlternative {
				break
			}
			result.Alternatives = append(result.Alternatives, domain.IntentScore{Intent: alt.intent, Score: alt.score})
		}
	}
	result.SuggestedAgentType = suggestedAgent(result.Intent, language)

	c.logger.Debug("request classified",
		"request_id", req.ID,
		"intent", result.Intent,
		"confidence", result.Confidence,
		"language", language,
	)
	return result, nil
}

// rank returns one candidate per matched intent, dominant intents first, then best score.
func rank(text string, length int) []candidate {
	best := make(map[string]candidate)
	for i, p := range patterns {
		hits := p.match(text)
		if hits == nil {
			continue
		}
		s := score(len(hits), length)
		prev, seen := best[p.intent]
		switch {
		case !seen:
			best[p.intent] = candidate{intent: p.intent, score: s, keywords: hits, order: i, dominant: p.dominant}
		case s > prev.score:
			best[p.intent] = candidate{intent: p.intent, score: s, keywords: hits, order: prev.order, dominant: prev.dominant || p.dominant}
		case p.dominant:
			prev.dominant = true
			best[p.intent] = prev
		}
	}

	out := make([]candidate, 0, len(best))
	for _, cand := range best {
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dominant != out[j].dominant {
			return out[i].dominant
		}
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].order < out[j].order
	})
	return out
}

// score grows with matched keywords and prompt length and is non-decreasing in both.
func score(matches, length int) float64 {
	s := min(baseScore+perKeyword*float64(matches-1), matchCap)
	switch {
	case length > longPrompt:
		s += longBoost
	case length > mediumPrompt:
		s += mediumBoost
	}
	return min(s, confidenceCap)
}

// Train records that req should have been classified as intentLabel.
func (c *Classifier) Train(ctx context.Context, req *domain.Request, intentLabel string) error {
	if req == nil {
		return domain.NewDomainError("Classifier.Train", domain.ErrValidation, "request is nil")
	}
	intentLabel = strings.TrimSpace(intentLabel)
	if intentLabel == "" {
		return domain.NewDomainError("Classifier.Train", domain.ErrValidation, "intent is empty")
	}
	if c.store == nil {
		return domain.NewDomainError("Classifier.Train", domain.ErrNotSupported, "no feedback store configured")
	}

	fb := domain.TrainingFeedback{
		RequestID:  req.ID,
		Prompt:     req.Prompt,
		Intent:     intentLabel,
		UserID:     req.UserID,
		RecordedAt: c.now(),
	}
	if err := c.store.SaveFeedback(ctx, fb); err != nil {
		return domain.WrapOp("Classifier.Train", err)
	}
	c.logger.Info("training feedback recorded", "request_id", req.ID, "intent", intentLabel)
	return nil
}
