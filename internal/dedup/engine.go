// Package dedup confirms or rejects duplicate candidates found by
// embedding similarity. The vector search proposes, the metadata
// cascade disposes: dates, reference features, length and word overlap
// all have to agree before a document is marked as a duplicate.
package dedup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/config"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/vector"
)

// DocumentSource resolves candidate ids to archived documents.
type DocumentSource interface {
	GetDocument(ctx context.Context, id int) (*archive.Document, error)
}

// Embedder turns text into the vector used for candidate search.
type Embedder interface {
	Embeddings(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds nearest neighbours in the index.
type Searcher interface {
	Query(ctx context.Context, vec []float32, limit int, floor float64, excludeDocID int) ([]vector.Hit, error)
}

// Match is a confirmed duplicate.
type Match struct {
	OriginalID int
	Similarity float64
}

type Engine struct {
	cfg    config.DedupConfig
	docs   DocumentSource
	embed  Embedder
	index  Searcher
	logger *slog.Logger
}

func NewEngine(cfg config.DedupConfig, docs DocumentSource, embed Embedder, index Searcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, docs: docs, embed: embed, index: index, logger: logger}
}

// Confirm searches for a duplicate of content among the indexed
// documents and returns the first candidate that survives the full
// cascade, in descending similarity order. No match returns (nil, nil).
// docID excludes the document itself when it is already indexed; pass 0
// for a document that has no archive id yet.
func (e *Engine) Confirm(ctx context.Context, docID int, content string) (*Match, error) {
	if len(content) < e.cfg.MinContentLen {
		e.logger.Debug("dedup.skip.short_content", "doc_id", docID, "len", len(content))
		return nil, nil
	}

	vec, err := e.embed.Embeddings(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	hits, err := e.index.Query(ctx, vec, e.cfg.Candidates, e.cfg.Threshold, docID)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}

	for _, hit := range hits {
		cand, err := e.docs.GetDocument(ctx, hit.DocID)
		if err != nil {
			e.logger.Warn("dedup.candidate.fetch_failed", "candidate", hit.DocID, "error", err)
			continue
		}
		if cand == nil || cand.Content == "" {
			// Stale vector: the document behind it is gone or empty.
			e.logger.Warn("dedup.candidate.stale", "candidate", hit.DocID)
			continue
		}
		if e.confirmed(hit.Certainty, content, cand.Content) {
			e.logger.Info("dedup.confirmed", "doc_id", docID, "original", hit.DocID, "similarity", hit.Certainty)
			return &Match{OriginalID: hit.DocID, Similarity: hit.Certainty}, nil
		}
		e.logger.Debug("dedup.rejected", "doc_id", docID, "candidate", hit.DocID, "similarity", hit.Certainty)
	}
	return nil, nil
}

// confirmed runs the metadata cascade for one candidate. Every check
// can only veto; none can rescue a previous veto.
func (e *Engine) confirmed(similarity float64, current, candidate string) bool {
	relaxed := similarity > e.cfg.HighSimilarity

	// Dates first. Two documents about different dates are different
	// documents no matter how alike their wording is. Above the high
	// similarity cutoff the floor drops: OCR mangles digits.
	curDates, candDates := extractDates(current), extractDates(candidate)
	if len(curDates) > 0 && len(candDates) > 0 {
		floor := e.cfg.DateJaccard
		if relaxed {
			floor = e.cfg.RelaxedJaccard
		}
		if j := jaccard(curDates, candDates); j < floor {
			e.logger.Debug("dedup.veto.dates", "jaccard", j, "floor", floor)
			return false
		}
	}

	// Reference features: amounts, IBANs, mails, invoice numbers.
	curFeats, candFeats := extractFeatures(current), extractFeatures(candidate)
	if len(curFeats) > 0 && len(candFeats) > 0 {
		floor := e.cfg.FeatureJaccard
		if relaxed {
			floor = e.cfg.RelaxedJaccard
		}
		if j := jaccard(curFeats, candFeats); j < floor {
			e.logger.Debug("dedup.veto.features", "jaccard", j, "floor", floor)
			return false
		}
	}

	// A real duplicate is a rescan of the same pages, so the texts
	// must be of comparable length.
	ratio := 0.0
	if len(candidate) > 0 {
		ratio = float64(len(current)) / float64(len(candidate))
	}
	if ratio < e.cfg.LengthRatioMin || ratio > e.cfg.LengthRatioMax {
		e.logger.Debug("dedup.veto.length", "ratio", ratio)
		return false
	}

	// Word-level overlap as the last line of defense. Short texts need
	// a higher floor; very similar embeddings earn a lower one.
	floor := e.cfg.WordBase
	if len(current) < e.cfg.ShortTextLen {
		floor = e.cfg.WordBaseShort
	}
	if similarity > e.cfg.WordRelaxCutoff {
		floor -= e.cfg.WordRelaxAmount
	}
	if ws := wordSimilarity(current, candidate); ws < floor {
		e.logger.Debug("dedup.veto.words", "similarity", ws, "floor", floor)
		return false
	}
	return true
}
