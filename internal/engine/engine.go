// Package engine runs the extraction layers for a post, resolves the
// locations they report and hands everything to the consensus voter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"postparser/internal/consensus"
	"postparser/internal/domain"
	"postparser/internal/geo"
	"postparser/internal/metrics"
	"postparser/internal/normalize"
)

type Layer interface {
	Source() domain.Source
	Parse(ctx context.Context, post domain.PostInput) (domain.LayerExtraction, error)
}

type Resolver interface {
	ResolveAll(ctx context.Context, cands []domain.NormalizedLocationCandidate) []geo.Resolution
}

type Stage string

const (
	StagePending       Stage = "pending"
	StageLayersRunning Stage = "layers_running"
	StageGeoResolving  Stage = "geo_resolving"
	StageConsensus     Stage = "consensus"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

type Engine struct {
	layers       []Layer
	resolver     Resolver
	layerTimeout time.Duration

	// OnStage, when set, is called on every state transition of a post.
	OnStage func(postID string, stage Stage)
}

// New returns an engine over layers. resolver may be nil, in which case no
// location is geo verified.
func New(layers []Layer, resolver Resolver, layerTimeout time.Duration) *Engine {
	if layerTimeout <= 0 {
		layerTimeout = 30 * time.Second
	}
	return &Engine{layers: layers, resolver: resolver, layerTimeout: layerTimeout}
}

func (e *Engine) stage(postID string, s Stage) {
	if e.OnStage != nil {
		e.OnStage(postID, s)
	}
}

type outcome struct {
	ext *domain.LayerExtraction
	err error
}

// ParseTweet runs every layer concurrently and merges what they return.
// It fails only when no layer succeeds, with an *domain.AllLayersFailedError,
// or when ctx is done, with ctx.Err().
func (e *Engine) ParseTweet(ctx context.Context, post domain.PostInput) (domain.ConsensusResult, error) {
	start := time.Now()
	e.stage(post.ID, StagePending)
	if err := ctx.Err(); err != nil {
		e.fail(post.ID, start)
		return domain.ConsensusResult{}, err
	}

	e.stage(post.ID, StageLayersRunning)
	outcomes := e.runLayers(ctx, post)
	if err := ctx.Err(); err != nil {
		e.fail(post.ID, start)
		return domain.ConsensusResult{}, err
	}

	layers := make(map[domain.Source]*domain.LayerExtraction, len(e.layers))
	layerErrs := map[domain.Source]string{}
	failed := map[domain.Source]error{}
	var live []*domain.LayerExtraction
	for i, l := range e.layers {
		o := outcomes[i]
		if o.err != nil {
			layers[l.Source()] = nil
			layerErrs[l.Source()] = o.err.Error()
			failed[l.Source()] = o.err
			continue
		}
		layers[l.Source()] = o.ext
		live = append(live, o.ext)
	}
	if len(live) == 0 {
		e.fail(post.ID, start)
		err := &domain.AllLayersFailedError{PostID: post.ID, Errors: failed}
		log.Printf("engine post=%s: %v", post.ID, err)
		return domain.ConsensusResult{}, err
	}

	e.stage(post.ID, StageGeoResolving)
	matches, backend := e.resolveLocations(ctx, live)
	if err := ctx.Err(); err != nil {
		e.fail(post.ID, start)
		return domain.ConsensusResult{}, err
	}

	e.stage(post.ID, StageConsensus)
	res := consensus.Vote(consensus.Input{
		PostID:     post.ID,
		Layers:     layers,
		Errors:     layerErrs,
		GeoMatches: matches,
		GeoBackend: backend,
	})

	e.stage(post.ID, StageDone)
	metrics.ParsesTotal.WithLabelValues(string(res.AgreementLevel)).Inc()
	metrics.ParseDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	log.Printf("engine post=%s layers=%d/%d score=%.2f agreement=%s conflicts=%d geo=%s matches=%d (%s)",
		post.ID, len(live), len(e.layers), res.ConsensusScore, res.AgreementLevel, len(res.Conflicts),
		res.GeoBackendUsed, len(res.GeoMatches), time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (e *Engine) fail(postID string, start time.Time) {
	e.stage(postID, StageFailed)
	metrics.ParsesTotal.WithLabelValues("failed").Inc()
	metrics.ParseDurationMs.Observe(float64(time.Since(start).Milliseconds()))
}

// runLayers starts one goroutine per layer and waits for all of them. A
// layer that does not return within the layer timeout is recorded as a
// timeout; its goroutine is left to observe the cancelled context.
func (e *Engine) runLayers(ctx context.Context, post domain.PostInput) []outcome {
	out := make([]outcome, len(e.layers))
	var wg sync.WaitGroup
	for i, l := range e.layers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = e.runLayer(ctx, l, post)
		}()
	}
	wg.Wait()
	return out
}

func (e *Engine) runLayer(ctx context.Context, l Layer, post domain.PostInput) outcome {
	src := l.Source()
	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, e.layerTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		ext, err := l.Parse(lctx, post)
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		if ext.Source == "" {
			ext.Source = src
		}
		ch <- outcome{ext: &ext}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-lctx.Done():
		o = outcome{err: &domain.LayerError{Source: src, Kind: domain.ErrKindTimeout, Err: lctx.Err()}}
	}
	metrics.LayerDurationMs.WithLabelValues(string(src)).Observe(float64(time.Since(start).Milliseconds()))

	if o.err != nil {
		kind := domain.ErrKindUnavailable
		var le *domain.LayerError
		if errors.As(o.err, &le) {
			kind = le.Kind
		} else {
			if errors.Is(o.err, context.DeadlineExceeded) {
				kind = domain.ErrKindTimeout
			}
			o.err = &domain.LayerError{Source: src, Kind: kind, Err: o.err}
		}
		metrics.LayerResultsTotal.WithLabelValues(string(src), string(kind)).Inc()
		log.Printf("engine post=%s layer=%s failed: %v", post.ID, src, o.err)
		return o
	}
	metrics.LayerResultsTotal.WithLabelValues(string(src), "ok").Inc()
	return o
}

// resolveLocations normalizes every location reported by any live layer,
// queries each distinct candidate once and keeps, per mention, the matches
// of its most specific verified candidate.
func (e *Engine) resolveLocations(ctx context.Context, live []*domain.LayerExtraction) ([]domain.GeoHierarchyMatch, domain.GeoBackend) {
	matches := []domain.GeoHierarchyMatch{}
	if e.resolver == nil {
		return matches, domain.GeoBackendNone
	}

	seenMention := map[string]bool{}
	queryIdx := map[string]int{}
	var cands []domain.NormalizedLocationCandidate
	var mentions [][]int
	for _, ext := range live {
		for _, m := range ext.Locations {
			key := normalize.Key(m)
			if key == "" || seenMention[key] {
				continue
			}
			seenMention[key] = true
			var idxs []int
			for _, c := range normalize.Normalize(m) {
				i, ok := queryIdx[c.Query]
				if !ok {
					i = len(cands)
					queryIdx[c.Query] = i
					cands = append(cands, c)
				}
				idxs = append(idxs, i)
			}
			if len(idxs) > 0 {
				mentions = append(mentions, idxs)
			}
		}
	}
	if len(cands) == 0 {
		return matches, domain.GeoBackendNone
	}

	resolutions := e.resolver.ResolveAll(ctx, cands)
	seenMatch := map[string]bool{}
	backend := domain.GeoBackendNone
	for _, idxs := range mentions {
		for _, i := range idxs {
			r := resolutions[i]
			if !r.Verified() {
				continue
			}
			for _, m := range r.Matches {
				k := fmt.Sprintf("%+v", m.AdminUnit)
				if seenMatch[k] {
					continue
				}
				seenMatch[k] = true
				matches = append(matches, m)
				switch {
				case m.Backend == domain.GeoBackendPrimary:
					backend = domain.GeoBackendPrimary
				case backend == domain.GeoBackendNone:
					backend = m.Backend
				}
			}
			break
		}
	}
	return matches, backend
}
