// Package geo resolves normalized location candidates against one or more
// gazetteer indexes, falling back from the primary index to the secondary
// when nothing clears the primary threshold.
package geo

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"postparser/internal/domain"
	"postparser/internal/metrics"
	"postparser/internal/normalize"
)

// IndexMatch is a single hit returned by an Index. Score is a similarity in
// [0,1], higher is better.
type IndexMatch struct {
	Text      string           `json:"text"`
	Score     float64          `json:"score"`
	MatchType domain.MatchType `json:"match_type"`
	Unit      domain.AdminUnit `json:"unit"`
}

type Index interface {
	Search(ctx context.Context, query string) ([]IndexMatch, error)
}

// Tier is one backend in the fallback chain.
type Tier struct {
	Backend   domain.GeoBackend
	Index     Index
	Threshold float64
}

type Config struct {
	Primary            Index
	PrimaryThreshold   float64
	Secondary          Index // nil disables the fallback
	SecondaryThreshold float64
	QueryTimeout       time.Duration
	Workers            int
}

// Resolution is the outcome for one candidate. Backend is GeoBackendNone
// when no tier produced an accepted match.
type Resolution struct {
	Candidate domain.NormalizedLocationCandidate `json:"candidate"`
	Matches   []domain.GeoHierarchyMatch        `json:"matches"`
	Backend   domain.GeoBackend                 `json:"backend"`
}

func (r Resolution) Verified() bool { return len(r.Matches) > 0 }

type Resolver struct {
	tiers        []Tier
	queryTimeout time.Duration
	workers      int
}

func NewResolver(cfg Config) *Resolver {
	var tiers []Tier
	if cfg.Primary != nil {
		tiers = append(tiers, Tier{Backend: domain.GeoBackendPrimary, Index: cfg.Primary, Threshold: cfg.PrimaryThreshold})
	}
	if cfg.Secondary != nil {
		tiers = append(tiers, Tier{Backend: domain.GeoBackendSecondary, Index: cfg.Secondary, Threshold: cfg.SecondaryThreshold})
	}
	return NewTieredResolver(tiers, cfg.QueryTimeout, cfg.Workers)
}

// NewTieredResolver builds a resolver that consults tiers in order.
func NewTieredResolver(tiers []Tier, queryTimeout time.Duration, workers int) *Resolver {
	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Resolver{tiers: tiers, queryTimeout: queryTimeout, workers: workers}
}

// Resolve queries each tier in order and stops at the first one that yields
// an accepted match. Index errors and timeouts count as no match.
func (r *Resolver) Resolve(ctx context.Context, cand domain.NormalizedLocationCandidate) Resolution {
	res := Resolution{Candidate: cand, Backend: domain.GeoBackendNone}
	for _, tier := range r.tiers {
		if ctx.Err() != nil {
			return res
		}
		hits, outcome := r.search(ctx, tier, cand.Query)
		accepted := accept(tier, cand, hits)
		if outcome == "" {
			outcome = "rejected"
			if len(accepted) > 0 {
				outcome = "accepted"
			}
		}
		metrics.GeoQueriesTotal.WithLabelValues(string(tier.Backend), outcome).Inc()
		if len(accepted) > 0 {
			res.Matches = accepted
			res.Backend = tier.Backend
			return res
		}
	}
	return res
}

// ResolveAll resolves candidates on a bounded worker pool. The result slice
// is in candidate order.
func (r *Resolver) ResolveAll(ctx context.Context, cands []domain.NormalizedLocationCandidate) []Resolution {
	out := make([]Resolution, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, cand := range cands {
		g.Go(func() error {
			out[i] = r.Resolve(gctx, cand)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type searchResult struct {
	hits []IndexMatch
	err  error
}

func (r *Resolver) search(ctx context.Context, tier Tier, query string) ([]IndexMatch, string) {
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	ch := make(chan searchResult, 1)
	go func() {
		hits, err := tier.Index.Search(qctx, query)
		ch <- searchResult{hits: hits, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				log.Printf("geo backend=%s query=%q timed out", tier.Backend, query)
				return nil, "timeout"
			}
			log.Printf("geo backend=%s query=%q error: %v", tier.Backend, query, res.err)
			return nil, "error"
		}
		return res.hits, ""
	case <-qctx.Done():
		log.Printf("geo backend=%s query=%q timed out after %s", tier.Backend, query, r.queryTimeout)
		return nil, "timeout"
	}
}

func accept(tier Tier, cand domain.NormalizedLocationCandidate, hits []IndexMatch) []domain.GeoHierarchyMatch {
	wardNo := candidateWard(cand)
	var out []domain.GeoHierarchyMatch
	for _, h := range hits {
		if h.Score <= tier.Threshold {
			continue
		}
		if wardNo > 0 && h.Unit.WardNo != wardNo {
			continue
		}
		out = append(out, domain.GeoHierarchyMatch{
			AdminUnit:  h.Unit,
			IsUrban:    h.Unit.IsUrban(),
			Confidence: h.Score,
			MatchType:  h.MatchType,
			Backend:    tier.Backend,
			Query:      cand.Query,
		})
	}
	return out
}

// candidateWard returns the ward number of a ward-level candidate, else 0.
func candidateWard(cand domain.NormalizedLocationCandidate) int {
	if cand.Level != domain.LevelWard || len(cand.NormalizedTokens) < 2 || cand.NormalizedTokens[0] != normalize.CueWard {
		return 0
	}
	n, err := strconv.Atoi(cand.NormalizedTokens[1])
	if err != nil {
		return 0
	}
	return n
}
