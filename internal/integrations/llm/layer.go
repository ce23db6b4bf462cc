package llm

import (
	"context"
	"errors"
	"log"
	"time"

	"postparser/internal/domain"
	"postparser/internal/ratelimit"
)

type ModelLayerConfig struct {
	Source     domain.Source
	Backend    Backend
	Limiter    *ratelimit.Limiter
	LimiterKey string
	Confidence float64
	// MaxPostChars truncates the post text before prompting; 0 disables.
	MaxPostChars int
}

// ModelLayer is an extraction layer backed by a chat model. Every backend
// call goes through the shared rate limiter.
type ModelLayer struct {
	cfg ModelLayerConfig
}

func NewModelLayer(cfg ModelLayerConfig) *ModelLayer {
	if cfg.LimiterKey == "" {
		cfg.LimiterKey = string(cfg.Source)
	}
	return &ModelLayer{cfg: cfg}
}

func (l *ModelLayer) Source() domain.Source { return l.cfg.Source }

func (l *ModelLayer) Parse(ctx context.Context, post domain.PostInput) (domain.LayerExtraction, error) {
	start := time.Now()
	userPrompt := buildExtractionUserPrompt(post, l.cfg.MaxPostChars)

	var (
		result domain.LayerExtraction
		usage  LLMUsage
	)
	err := l.cfg.Limiter.Do(ctx, l.cfg.LimiterKey, func(ctx context.Context) error {
		raw, callUsage, err := l.cfg.Backend.Complete(ctx, extractionSystemPrompt, userPrompt)
		usage.Add(callUsage)
		if err != nil {
			var be *BackendError
			if errors.As(err, &be) && be.Unauthenticated() {
				return ratelimit.Permanent(err)
			}
			return err
		}
		parsed, err := parseExtractionResponse(l.cfg.Source, raw)
		if err != nil {
			log.Printf("llm extract malformed source=%s provider=%s post=%s err=%v", l.cfg.Source, l.cfg.Backend.Provider(), post.ID, err)
			return err
		}
		result = parsed
		return nil
	})
	if err != nil {
		layerErr := &domain.LayerError{Source: l.cfg.Source, Kind: classify(ctx, err), Err: err}
		log.Printf("llm extract failed source=%s provider=%s model=%s post=%s kind=%s duration=%s", l.cfg.Source, l.cfg.Backend.Provider(), l.cfg.Backend.Model(), post.ID, layerErr.Kind, time.Since(start).Round(time.Millisecond))
		return domain.LayerExtraction{}, layerErr
	}

	result.Confidence = l.cfg.Confidence
	log.Printf("llm extract source=%s provider=%s model=%s post=%s locations=%d event=%q tokens=%d duration=%s",
		l.cfg.Source, l.cfg.Backend.Provider(), l.cfg.Backend.Model(), post.ID,
		len(result.Locations), result.EventType, usage.TotalTokens(), time.Since(start).Round(time.Millisecond))
	return result, nil
}

func classify(ctx context.Context, err error) domain.LayerErrorKind {
	var be *BackendError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrKindTimeout
	case errors.As(err, &be) && be.Unauthenticated():
		return domain.ErrKindUnauthenticated
	case errors.Is(err, domain.ErrMalformedResponse):
		return domain.ErrKindMalformed
	case errors.Is(err, ratelimit.ErrBackendExhausted):
		return domain.ErrKindExhausted
	default:
		return domain.ErrKindUnavailable
	}
}
