package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"

	"postparser/internal/config"
	"postparser/internal/domain"
	"postparser/internal/httpx"
)

const testGazetteer = `
units:
  - id: raipur-nn-w5
    names: ["Raipur Ward 5", "रायपुर वार्ड 5"]
    district: Raipur
    ulb: Raipur Nagar Nigam
    ward_no: 5
  - id: kharora
    names: ["Gram Kharora", "ग्राम खरोरा"]
    village: Kharora
    block: Tilda
    district: Raipur
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	gaz := filepath.Join(dir, "gazetteer.yaml")
	if err := os.WriteFile(gaz, []byte(testGazetteer), 0o644); err != nil {
		t.Fatalf("write gazetteer: %v", err)
	}
	return config.Config{
		RuleConfidence:           0.6,
		LimiterMaxRetries:        3,
		LimiterBackoffMultiplier: 2,
		LayerTimeoutSeconds:      5,
		MaxPostChars:             2000,
		GeoPrimaryThreshold:      0.8,
		GeoSecondaryThreshold:    0.7,
		GeoSecondaryEnabled:      true,
		GeoQueryTimeoutMs:        1000,
		GeoWorkers:               2,
		GeoTopK:                  5,
		SQLitePath:               filepath.Join(dir, "postparser.db"),
		GazetteerPath:            gaz,
		GazetteerSyncSchedule:    "0 3 * * *",
		Location:                 time.UTC,
	}
}

func TestAppParsesWithRuleLayerAndSecondaryIndex(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	a.SyncGazetteerIfPresent(context.Background())
	if err := a.StartSchedules(); err != nil {
		t.Fatalf("StartSchedules: %v", err)
	}

	body := `{"id":"t1","text":"रायपुर वार्ड 5 में नगर निगम की बैठक आयोजित"}`
	req := httptest.NewRequest(http.MethodPost, "/api/parse", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res domain.ConsensusResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.FinalResult.EventType != "meeting" {
		t.Fatalf("expected meeting, got %q", res.FinalResult.EventType)
	}
	if !res.GeoVerified || res.GeoBackendUsed != domain.GeoBackendSecondary {
		t.Fatalf("expected secondary geo verification, got %+v", res)
	}
	m := res.GeoMatches[0]
	if !m.IsUrban || m.WardNo != 5 {
		t.Fatalf("unexpected geo match: %+v", m)
	}
	if _, ok := res.LayerResults[domain.SourceModelA]; ok {
		t.Fatal("model A should not run without an api key")
	}
}

func TestAppWithoutGeoIndexes(t *testing.T) {
	cfg := testConfig(t)
	cfg.GeoSecondaryEnabled = false
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	res, err := a.Engine.ParseTweet(context.Background(), domain.PostInput{ID: "t2", Text: "ग्राम खरोरा में आम सभा"})
	if err != nil {
		t.Fatalf("ParseTweet: %v", err)
	}
	if res.GeoVerified || res.GeoBackendUsed != domain.GeoBackendNone {
		t.Fatalf("expected no geo verification, got %+v", res)
	}
}

func TestAppRejectsBadGlossary(t *testing.T) {
	cfg := testConfig(t)
	cfg.RulesGlossaryPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for missing glossary")
	}
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return http.DefaultTransport.RoundTrip(req)
}

func TestSlackClientUsesExternalHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	shared := httpx.ExternalHTTPClient()
	prev := shared.Transport
	rec := &countingTransport{}
	shared.Transport = rec
	t.Cleanup(func() { shared.Transport = prev })

	client := newSlackClient("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	if _, _, err := client.PostMessage("C1", slack.MsgOptionText("review", false)); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected the shared client to carry 1 request, got %d", rec.calls)
	}
}
