package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

const (
	defaultSearchLimit   = 50
	searchCandidateLimit = 500
)

// SearchMemory ranks the tenant's cached, non-expired records against a
// query. Records with an embedding are scored by cosine similarity against
// the query embedding; vectorless records (embedding pending or disabled)
// fall back to lexical overlap so they stay reachable. Results below the
// threshold are dropped.
func (s *Store) SearchMemory(ctx context.Context, tenantID string, q *SearchQuery) ([]SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := s.liveRecords(tenantID, time.Now()).
		OrderBy("created_at DESC").
		Limit(searchCandidateLimit)
	if q.SessionID != nil {
		query = query.Where(sq.Eq{"session_id": *q.SessionID})
	}

	candidates, err := s.queryRecords(ctx, query)
	if err != nil {
		s.logger.Error().Err(err).Msg("SearchMemory: candidate query failed")
		return nil, err
	}

	queryWords := tokenize(q.Text)
	results := lo.FilterMap(candidates, func(rec *MemoryRecord, _ int) (SearchResult, bool) {
		var score float64
		switch {
		case len(q.Embedding) > 0 && len(rec.Embedding) > 0:
			score = CosineSimilarity(q.Embedding, rec.Embedding)
		case len(queryWords) > 0:
			score = lexicalOverlap(queryWords, tokenize(rec.Content))
		default:
			return SearchResult{}, false
		}
		if score < q.Threshold || score <= 0 {
			return SearchResult{}, false
		}
		return SearchResult{Record: rec, Score: score, Source: "local"}, true
	})

	switch q.Sort {
	case SortRecency:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
		})
	default:
		// Relevance: descending score, ties broken by most recent access.
		sort.Slice(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].Record.LastAccessed.After(results[j].Record.LastAccessed)
		})
	}

	if len(results) > limit {
		results = results[:limit]
	}

	s.logger.Debug().
		Str("tenant", tenantID).
		Int("candidates", len(candidates)).
		Int("returned", len(results)).
		Float64("threshold", q.Threshold).
		Msg("SearchMemory completed")
	return results, nil
}

func tokenize(text string) map[string]bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,;:!?\"'()")] = true
	}
	return set
}

// lexicalOverlap is a Jaccard score over word sets, the scoring proxy for
// records that have no vector yet.
func lexicalOverlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matches := 0
	for w := range a {
		if b[w] {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	return float64(matches) / float64(len(a)+len(b)-matches)
}
