package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"

	"postparser/internal/api"
	"postparser/internal/config"
	"postparser/internal/domain"
	"postparser/internal/engine"
	"postparser/internal/gazetteer"
	"postparser/internal/geo"
	"postparser/internal/httpx"
	"postparser/internal/integrations/llm"
	slackbot "postparser/internal/integrations/slack"
	"postparser/internal/ratelimit"
	"postparser/internal/rules"
	"postparser/internal/storage/postgres"
	"postparser/internal/storage/sqlite"
)

type App struct {
	Config    config.Config
	Engine    *engine.Engine
	Limiter   *ratelimit.Limiter
	Gazetteer *gazetteer.Syncer
	Router    *gin.Engine

	sqliteDB *sql.DB
	pgDB     *sql.DB
	rdb      *redis.Client
	cron     *cron.Cron
}

// New builds every component named by cfg. Backends that are not
// configured are left out; the rule-based layer is always present.
func New(cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	glossary := rules.DefaultGlossary()
	if cfg.RulesGlossaryPath != "" {
		extra, err := rules.LoadGlossary(cfg.RulesGlossaryPath)
		if err != nil {
			return nil, err
		}
		glossary = glossary.Merge(extra)
		log.Printf("Rules glossary merged from %s", cfg.RulesGlossaryPath)
	}

	limiterCfg := func(rpm int) ratelimit.Config {
		return ratelimit.Config{
			RPM:               rpm,
			MaxRetries:        cfg.LimiterMaxRetries,
			BackoffMultiplier: cfg.LimiterBackoffMultiplier,
			InitialBackoff:    cfg.LimiterInitialBackoff(),
		}
	}
	backends := map[string]ratelimit.Config{}
	var layers []engine.Layer
	if cfg.ModelAConfigured() {
		backends[string(domain.SourceModelA)] = limiterCfg(cfg.ModelARPM)
	}
	if cfg.ModelBConfigured() {
		backends[string(domain.SourceModelB)] = limiterCfg(cfg.ModelBRPM)
	}
	a.Limiter = ratelimit.New(backends)

	if cfg.ModelAConfigured() {
		backend := llm.NewAnthropicBackend(llm.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.ModelAModel,
			MaxTokens: int64(cfg.ModelAMaxTokens),
			BaseURL:   cfg.AnthropicBaseURL,
		})
		layers = append(layers, llm.NewModelLayer(llm.ModelLayerConfig{
			Source:       domain.SourceModelA,
			Backend:      backend,
			Limiter:      a.Limiter,
			Confidence:   cfg.ModelAConfidence,
			MaxPostChars: cfg.MaxPostChars,
		}))
		log.Printf("Model-A layer enabled provider=%s model=%s rpm=%d", backend.Provider(), backend.Model(), cfg.ModelARPM)
	}
	if cfg.ModelBConfigured() {
		backend := llm.NewOpenAIBackend(llm.OpenAIConfig{
			BaseURL:     cfg.LocalLLMBaseURL,
			APIKey:      cfg.LocalLLMAPIKey,
			Model:       cfg.LocalLLMModel,
			Temperature: cfg.LocalLLMTemperature,
			JSONMode:    true,
		})
		layers = append(layers, llm.NewModelLayer(llm.ModelLayerConfig{
			Source:       domain.SourceModelB,
			Backend:      backend,
			Limiter:      a.Limiter,
			Confidence:   cfg.ModelBConfidence,
			MaxPostChars: cfg.MaxPostChars,
		}))
		log.Printf("Model-B layer enabled provider=%s model=%s base_url=%s rpm=%d", backend.Provider(), backend.Model(), cfg.LocalLLMBaseURL, cfg.ModelBRPM)
	}
	layers = append(layers, rules.NewLayer(glossary, cfg.RuleConfidence))

	db, err := sqlite.InitDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.sqliteDB = db
	log.Printf("Database initialized at %s", cfg.SQLitePath)

	a.Gazetteer = &gazetteer.Syncer{Path: cfg.GazetteerPath, SQLite: db}
	geoCfg := geo.Config{
		PrimaryThreshold:   cfg.GeoPrimaryThreshold,
		SecondaryThreshold: cfg.GeoSecondaryThreshold,
		QueryTimeout:       cfg.GeoQueryTimeout(),
		Workers:            cfg.GeoWorkers,
	}

	if cfg.PrimaryGeoConfigured() {
		pg, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pgDB = pg
		store := postgres.NewStore(pg)
		embedder := llm.NewEmbedder(llm.EmbedderConfig{
			BaseURL: cfg.EmbeddingBaseURL,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
		})
		var primary geo.Index = geo.NewPGVectorIndex(store, embedder, cfg.GeoTopK)
		if cfg.RedisAddr != "" {
			a.rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			cached := geo.NewCachedIndex(primary, a.rdb, cfg.GeoCacheTTL(), "")
			a.Gazetteer.Cache = cached
			primary = cached
			log.Printf("Primary geo index cached in redis addr=%s ttl=%s", cfg.RedisAddr, cfg.GeoCacheTTL())
		}
		geoCfg.Primary = primary
		a.Gazetteer.Vectors = store
		a.Gazetteer.Embedder = embedder
		log.Printf("Primary geo index: pgvector threshold=%.2f", cfg.GeoPrimaryThreshold)
	}
	if cfg.GeoSecondaryEnabled {
		ngram := geo.NewNgramIndex(db, cfg.GeoTopK)
		if err := ngram.Reload(context.Background()); err != nil {
			a.Close()
			return nil, err
		}
		geoCfg.Secondary = ngram
		a.Gazetteer.Ngram = ngram
		log.Printf("Secondary geo index: ngram entries=%d threshold=%.2f", ngram.Len(), cfg.GeoSecondaryThreshold)
	}

	var resolver engine.Resolver
	if geoCfg.Primary != nil || geoCfg.Secondary != nil {
		resolver = geo.NewResolver(geoCfg)
	} else {
		log.Printf("WARNING: no geo index configured; locations will not be verified")
	}
	a.Engine = engine.New(layers, resolver, cfg.LayerTimeout())

	deps := api.Deps{
		Parser:       a.Engine,
		Limiter:      a.Limiter,
		Gazetteer:    a.Gazetteer,
		ParseTimeout: cfg.LayerTimeout() + 2*cfg.GeoQueryTimeout() + 5*time.Second,
	}
	if cfg.SlackConfigured() {
		deps.Notifier = slackbot.NewReviewNotifier(newSlackClient(cfg.SlackBotToken), cfg.ReviewChannelID)
		log.Printf("Low-agreement reviews go to slack channel=%s", cfg.ReviewChannelID)
	}
	a.Router = api.SetupRouter(deps)
	return a, nil
}

// newSlackClient builds a Slack client on the shared external HTTP client.
func newSlackClient(token string, opts ...slack.Option) *slack.Client {
	return slack.New(token, append([]slack.Option{slack.OptionHTTPClient(httpx.ExternalHTTPClient())}, opts...)...)
}

// SyncGazetteerIfPresent runs a sync when the gazetteer file exists.
func (a *App) SyncGazetteerIfPresent(ctx context.Context) {
	if _, err := os.Stat(a.Config.GazetteerPath); err != nil {
		log.Printf("Gazetteer %s not found, skipping initial sync", a.Config.GazetteerPath)
		return
	}
	if _, err := a.Gazetteer.Sync(ctx); err != nil {
		log.Printf("Gazetteer sync error: %v", err)
	}
}

// StartSchedules starts the periodic jobs: gazetteer sync when
// gazetteer_sync_schedule is set, and a limiter status line every minute.
func (a *App) StartSchedules() error {
	c := cron.New(cron.WithLocation(a.Config.Location))
	if schedule := strings.TrimSpace(a.Config.GazetteerSyncSchedule); schedule != "" {
		if _, err := c.AddFunc(schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := a.Gazetteer.Sync(ctx); err != nil {
				log.Printf("Scheduled gazetteer sync error: %v", err)
			}
		}); err != nil {
			return err
		}
		log.Printf("Gazetteer sync scheduled (cron: %s)", schedule)
	} else {
		log.Println("Scheduled gazetteer sync disabled (gazetteer_sync_schedule not set)")
	}
	if len(a.Limiter.Backends()) > 0 {
		if _, err := c.AddFunc("@every 1m", a.logLimiterStatus); err != nil {
			return err
		}
	}
	c.Start()
	a.cron = c
	return nil
}

func (a *App) logLimiterStatus() {
	for _, name := range a.Limiter.Backends() {
		st := a.Limiter.Status()[name]
		log.Printf("limiter backend=%s used=%d/%d waiting=%d calls=%d failures=%d exhausted=%d",
			name, st.Used, st.Limit, st.Waiting, st.Calls, st.Failures, st.Exhausted)
	}
}

func (a *App) Close() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pgDB != nil {
		a.pgDB.Close()
	}
	if a.sqliteDB != nil {
		a.sqliteDB.Close()
	}
}

func Main() {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Listen=%s ModelA=%t ModelB=%t PrimaryGeo=%t SecondaryGeo=%t LayerTimeout=%s GeoQueryTimeout=%s Timezone=%s ExternalHTTPTimeout=%s",
		cfg.ListenAddr,
		cfg.ModelAConfigured(),
		cfg.ModelBConfigured(),
		cfg.PrimaryGeoConfigured(),
		cfg.GeoSecondaryEnabled,
		cfg.LayerTimeout(),
		cfg.GeoQueryTimeout(),
		cfg.Timezone,
		appliedHTTPTimeout,
	)

	a, err := New(cfg)
	if err != nil {
		log.Fatalf("Failed to build parser: %v", err)
	}
	defer a.Close()

	a.SyncGazetteerIfPresent(context.Background())
	if err := a.StartSchedules(); err != nil {
		log.Fatalf("Failed to start schedules: %v", err)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: a.Router}
	go func() {
		log.Printf("Starting post parser on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}
