// Package api exposes the parser to the surrounding service over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"postparser/internal/domain"
	"postparser/internal/gazetteer"
	"postparser/internal/metrics"
	"postparser/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type Parser interface {
	ParseTweet(ctx context.Context, post domain.PostInput) (domain.ConsensusResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, post domain.PostInput, res domain.ConsensusResult) error
}

type LimiterStatus interface {
	Status() map[string]ratelimit.BackendStatus
}

type GazetteerSyncer interface {
	Sync(ctx context.Context) (gazetteer.Stats, error)
}

// Deps holds what the router serves. Only Parser is required.
type Deps struct {
	Parser    Parser
	Notifier  Notifier
	Limiter   LimiterStatus
	Gazetteer GazetteerSyncer
	// ParseTimeout bounds a single /api/parse request. Zero means no bound
	// beyond the client's own connection.
	ParseTimeout time.Duration
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/parse", parseHandler(d))
		api.GET("/limiter", func(c *gin.Context) {
			if d.Limiter == nil {
				c.JSON(http.StatusOK, gin.H{"backends": gin.H{}})
				return
			}
			c.JSON(http.StatusOK, gin.H{"backends": d.Limiter.Status()})
		})
		api.POST("/gazetteer/sync", func(c *gin.Context) {
			if d.Gazetteer == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "gazetteer sync is not configured"})
				return
			}
			st, err := d.Gazetteer.Sync(c.Request.Context())
			if err != nil {
				log.Printf("api gazetteer sync request=%s: %v", c.GetString("request_id"), err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": st})
				return
			}
			c.JSON(http.StatusOK, st)
		})
	}
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func parseHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var post domain.PostInput
		if err := c.ShouldBindJSON(&post); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if strings.TrimSpace(post.ID) == "" {
			post.ID = uuid.NewString()
		}
		if post.CreatedAt.IsZero() {
			post.CreatedAt = time.Now().UTC()
		}

		ctx := c.Request.Context()
		if d.ParseTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.ParseTimeout)
			defer cancel()
		}

		res, err := d.Parser.ParseTweet(ctx, post)
		if err != nil {
			reqID := c.GetString("request_id")
			var failed *domain.AllLayersFailedError
			switch {
			case errors.As(err, &failed):
				errs := make(map[domain.Source]string, len(failed.Errors))
				for src, e := range failed.Errors {
					errs[src] = e.Error()
				}
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": domain.ErrAllLayersFailed.Error(), "post_id": post.ID, "layer_errors": errs})
			case errors.Is(err, context.DeadlineExceeded):
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "post_id": post.ID})
			default:
				log.Printf("api parse request=%s post=%s: %v", reqID, post.ID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "post_id": post.ID})
			}
			return
		}

		if d.Notifier != nil {
			// Review delivery must not hold up or fail the parse response.
			go func(post domain.PostInput, res domain.ConsensusResult) {
				nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := d.Notifier.Notify(nctx, post, res); err != nil {
					log.Printf("api review notify post=%s: %v", post.ID, err)
				}
			}(post, res)
		}
		c.JSON(http.StatusOK, res)
	}
}
