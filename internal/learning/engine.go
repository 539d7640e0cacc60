// Package learning implements Mel's pattern learning and suggestion
// matching. Interactions are distilled into reusable patterns; queries
// are matched by keyword overlap, blended with embedding similarity
// when an embedding engine is configured.
package learning

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/sync/singleflight"

	"mel/internal/config"
	"mel/internal/embedding"
	"mel/internal/logging"
	"mel/internal/store"
)

// ErrNoSuggestion is returned when no stored pattern matches well enough.
var ErrNoSuggestion = errors.New("no suggestion available")

// Suggestion is a matched pattern offered to the user.
type Suggestion struct {
	PatternID  int64   `json:"pattern_id"`
	Pattern    string  `json:"pattern"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"` // "keyword" or "semantic"
}

// Engine matches editor context against learned patterns.
type Engine struct {
	store    *store.Store
	embedder embedding.Engine // nil when embeddings are disabled
	cfg      config.LearningConfig

	group singleflight.Group
}

// NewEngine creates a learning engine over the given store.
// embedder may be nil; matching then uses keyword overlap only.
func NewEngine(s *store.Store, embedder embedding.Engine, cfg config.LearningConfig) *Engine {
	return &Engine{
		store:    s,
		embedder: embedder,
		cfg:      cfg,
	}
}

// RecordInteraction logs an editor event and reinforces the pattern it
// demonstrates. The context is normalized into a pattern key; repeated
// interactions with the same normalized context reinforce confidence.
func (e *Engine) RecordInteraction(ctx context.Context, sessionID, editorContext, action string) error {
	timer := logging.StartTimer(logging.CategoryLearning, "Engine.RecordInteraction")
	defer timer.Stop()

	if strings.TrimSpace(editorContext) == "" {
		return fmt.Errorf("interaction context required")
	}

	if err := e.store.RecordInteraction(ctx, &store.Interaction{
		SessionID: sessionID,
		Context:   editorContext,
		Action:    action,
	}); err != nil {
		return err
	}
	logging.Session("interaction recorded: session=%s action=%s context_len=%d", sessionID, action, len(editorContext))

	key := NormalizePattern(editorContext)
	if key == "" {
		return nil // nothing learnable in this context
	}

	p := &store.Pattern{
		Pattern:    key,
		Context:    editorContext,
		Response:   action,
		Confidence: 0.5, // new patterns start uncertain
	}

	if e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, editorContext)
		if err != nil {
			// Embedding failure degrades to keyword-only; the pattern
			// is still worth keeping.
			logging.Get(logging.CategoryLearning).Warn("embed failed, storing pattern without vector: %v", err)
		} else {
			p.Embedding = encodeVector(vec)
		}
	}

	if err := e.store.SavePattern(ctx, p); err != nil {
		return err
	}

	logging.LearningDebug("pattern reinforced: key=%q", key)
	return nil
}

// RecordFeedback logs what happened to a suggestion without learning
// from it. Verbs like "accepted" describe the suggestion's fate, not
// something the user did, so they must never become a pattern's
// response. Use Accept/Reject to adjust the pattern itself.
func (e *Engine) RecordFeedback(ctx context.Context, sessionID, editorContext, verb string) error {
	if strings.TrimSpace(editorContext) == "" {
		return fmt.Errorf("interaction context required")
	}

	if err := e.store.RecordInteraction(ctx, &store.Interaction{
		SessionID: sessionID,
		Context:   editorContext,
		Action:    verb,
	}); err != nil {
		return err
	}
	logging.Session("feedback recorded: session=%s verb=%s", sessionID, verb)
	return nil
}

// GetSuggestion returns the best matching pattern for the given editor
// context, or ErrNoSuggestion if nothing scores above the threshold.
// Concurrent identical queries share one computation.
func (e *Engine) GetSuggestion(ctx context.Context, editorContext string) (*Suggestion, error) {
	key := NormalizePattern(editorContext)
	if key == "" {
		return nil, ErrNoSuggestion
	}

	result, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.match(ctx, editorContext, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Suggestion), nil
}

func (e *Engine) match(ctx context.Context, editorContext, key string) (*Suggestion, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "Engine.match")
	defer timer.Stop()

	candidates, err := e.store.MatchCandidates(ctx, e.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoSuggestion
	}

	queryTokens := tokenSet(key)

	var queryVec []float32
	if e.embedder != nil {
		queryVec, err = e.embedder.Embed(ctx, editorContext)
		if err != nil {
			logging.Get(logging.CategoryLearning).Warn("query embed failed, keyword matching only: %v", err)
			queryVec = nil
		}
	}

	var best *Suggestion
	for i := range candidates {
		c := &candidates[i]

		keyword := jaccard(queryTokens, tokenSet(c.Pattern))
		score := keyword
		source := "keyword"

		// Blend in embedding similarity when both sides have vectors.
		// Semantic similarity dominates the blend; keyword overlap
		// keeps exact matches from being diluted.
		if queryVec != nil && len(c.Embedding) > 0 {
			if cos, err := embedding.CosineSimilarity(queryVec, decodeVector(c.Embedding)); err == nil {
				semantic := math.Max(0, cos)
				score = 0.6*semantic + 0.4*keyword
				if semantic > keyword {
					source = "semantic"
				}
			}
		}

		// Weight by confidence and usage so reinforced patterns win ties
		usageWeight := 1.0 + math.Log1p(float64(c.UsageCount))/10.0
		weighted := score * c.Confidence * usageWeight

		if best == nil || weighted > best.Score {
			best = &Suggestion{
				PatternID:  c.ID,
				Pattern:    c.Pattern,
				Text:       c.Response,
				Confidence: c.Confidence,
				Score:      weighted,
				Source:     source,
			}
		}
	}

	if best == nil || best.Score < e.cfg.MatchThreshold {
		logging.LearningDebug("no suggestion above threshold %.2f for key=%q", e.cfg.MatchThreshold, key)
		return nil, ErrNoSuggestion
	}

	if err := e.store.TouchPattern(ctx, best.PatternID); err != nil {
		logging.Get(logging.CategoryLearning).Warn("failed to touch pattern %d: %v", best.PatternID, err)
	}

	logging.Learning("suggestion matched: pattern=%q score=%.3f source=%s", best.Pattern, best.Score, best.Source)
	return best, nil
}

// Accept reinforces a suggestion the user took.
func (e *Engine) Accept(ctx context.Context, patternID int64) error {
	logging.LearningDebug("suggestion accepted: pattern_id=%d", patternID)
	return e.store.TouchPattern(ctx, patternID)
}

// Reject penalizes a suggestion the user dismissed.
func (e *Engine) Reject(ctx context.Context, patternID int64) error {
	logging.LearningDebug("suggestion rejected: pattern_id=%d", patternID)
	return e.store.PenalizePattern(ctx, patternID, 0.2)
}

// Decay fades stale patterns. Typically run once per session start.
func (e *Engine) Decay(ctx context.Context) error {
	decayed, pruned, err := e.store.DecayConfidence(ctx, e.cfg.DecayFactor)
	if err != nil {
		return err
	}
	if decayed > 0 || pruned > 0 {
		logging.Learning("decay pass: %d faded, %d pruned", decayed, pruned)
	}
	return nil
}

// NormalizePattern reduces editor context to a stable pattern key:
// lowercased alphanumeric tokens, order preserved, deduplicated.
func NormalizePattern(text string) string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}

// jaccard computes set overlap between two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// encodeVector packs a float32 vector as little-endian bytes for BLOB storage.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a BLOB back into a float32 vector.
func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
