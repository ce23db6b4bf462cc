package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"postparser/internal/domain"
	"postparser/internal/ratelimit"
)

func TestParseExtractionResponse(t *testing.T) {
	valid := "```json\n" + `{"locations":["Raipur ward 5"],"event_type":"Meeting","schemes_mentioned":[],"hashtags":["#CG"],"people_mentioned":null,"organizations":["BJP"]}` + "\n```"
	got, err := parseExtractionResponse(domain.SourceModelA, valid)
	if err != nil {
		t.Fatalf("parse valid response: %v", err)
	}
	if got.EventType != "meeting" {
		t.Fatalf("expected lower-cased event type, got %q", got.EventType)
	}
	if !reflect.DeepEqual(got.Locations, []string{"Raipur ward 5"}) || !reflect.DeepEqual(got.Organizations, []string{"BJP"}) {
		t.Fatalf("unexpected lists: %+v", got)
	}
	if got.PeopleMentioned == nil || len(got.PeopleMentioned) != 0 {
		t.Fatalf("expected null list to decode as empty, got %#v", got.PeopleMentioned)
	}
	if got.Source != domain.SourceModelA || got.RawResponse != valid {
		t.Fatalf("source/raw not recorded: %+v", got)
	}

	nullEvent := `{"locations":[],"event_type":null,"schemes_mentioned":[],"hashtags":[],"people_mentioned":[]}`
	got, err = parseExtractionResponse(domain.SourceModelB, nullEvent)
	if err != nil {
		t.Fatalf("parse null event: %v", err)
	}
	if got.EventType != "" || got.Organizations == nil {
		t.Fatalf("unexpected result for null event: %+v", got)
	}

	malformed := []struct {
		name string
		raw  string
	}{
		{"not json", "Sure! Here are the facts: Raipur"},
		{"array", `["Raipur"]`},
		{"null", `null`},
		{"missing key", `{"locations":[],"event_type":null,"schemes_mentioned":[],"hashtags":[]}`},
		{"unexpected key", `{"locations":[],"event_type":null,"schemes_mentioned":[],"hashtags":[],"people_mentioned":[],"confidence":0.9}`},
		{"string instead of list", `{"locations":"Raipur","event_type":null,"schemes_mentioned":[],"hashtags":[],"people_mentioned":[]}`},
		{"number event", `{"locations":[],"event_type":5,"schemes_mentioned":[],"hashtags":[],"people_mentioned":[]}`},
	}
	for _, tt := range malformed {
		if _, err := parseExtractionResponse(domain.SourceModelA, tt.raw); !errors.Is(err, domain.ErrMalformedResponse) {
			t.Fatalf("%s: expected ErrMalformedResponse, got %v", tt.name, err)
		}
	}
}

func TestBuildExtractionUserPromptTruncates(t *testing.T) {
	post := domain.PostInput{Text: strings.Repeat("क", 50), AuthorHandle: "@mla_raipur"}
	got := buildExtractionUserPrompt(post, 10)
	if !strings.HasPrefix(got, "Author: @mla_raipur\n") {
		t.Fatalf("missing author line: %q", got)
	}
	if !strings.HasSuffix(got, "Post:\n"+strings.Repeat("क", 10)) {
		t.Fatalf("expected truncation to 10 runes: %q", got)
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (f *fakeBackend) Provider() string { return "fake" }
func (f *fakeBackend) Model() string    { return "fake-1" }

func (f *fakeBackend) Complete(_ context.Context, _, userPrompt string) (string, LLMUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	} else if len(f.replies) > 0 {
		reply = f.replies[len(f.replies)-1]
	}
	return reply, LLMUsage{InputTokens: 10, OutputTokens: 5}, err
}

func newTestLimiter(retries int) *ratelimit.Limiter {
	return ratelimit.New(map[string]ratelimit.Config{
		string(domain.SourceModelA): {RPM: 100, MaxRetries: retries, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
}

const validReply = `{"locations":["Raipur"],"event_type":"rally","schemes_mentioned":[],"hashtags":[],"people_mentioned":[]}`

func TestModelLayerAssignsConfiguredConfidence(t *testing.T) {
	backend := &fakeBackend{replies: []string{validReply}}
	layer := NewModelLayer(ModelLayerConfig{Source: domain.SourceModelA, Backend: backend, Limiter: newTestLimiter(0), Confidence: 0.9})

	got, err := layer.Parse(context.Background(), domain.PostInput{ID: "p1", Text: "रायपुर में रैली"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Confidence != 0.9 || got.EventType != "rally" || got.Source != domain.SourceModelA {
		t.Fatalf("unexpected extraction: %+v", got)
	}
	if layer.Source() != domain.SourceModelA {
		t.Fatalf("unexpected source %q", layer.Source())
	}
}

func TestModelLayerRetriesMalformedReplies(t *testing.T) {
	backend := &fakeBackend{replies: []string{"not json", validReply}}
	layer := NewModelLayer(ModelLayerConfig{Source: domain.SourceModelA, Backend: backend, Limiter: newTestLimiter(2), Confidence: 0.9})

	if _, err := layer.Parse(context.Background(), domain.PostInput{ID: "p1"}); err != nil {
		t.Fatalf("expected success after one malformed reply, got %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("calls = %d, want 2", backend.calls)
	}
}

func TestModelLayerMalformedIsHardFailure(t *testing.T) {
	backend := &fakeBackend{replies: []string{"I cannot help with that"}}
	layer := NewModelLayer(ModelLayerConfig{Source: domain.SourceModelA, Backend: backend, Limiter: newTestLimiter(1), Confidence: 0.9})

	_, err := layer.Parse(context.Background(), domain.PostInput{ID: "p1"})
	var layerErr *domain.LayerError
	if !errors.As(err, &layerErr) {
		t.Fatalf("expected LayerError, got %v", err)
	}
	if layerErr.Kind != domain.ErrKindMalformed || layerErr.Source != domain.SourceModelA {
		t.Fatalf("unexpected layer error: %+v", layerErr)
	}
	if !errors.Is(err, ratelimit.ErrBackendExhausted) {
		t.Fatalf("expected retries to be exhausted, got %v", err)
	}
}

func TestModelLayerUnauthenticatedIsNotRetried(t *testing.T) {
	backend := &fakeBackend{errs: []error{&BackendError{Provider: "fake", StatusCode: 401, Err: errors.New("invalid x-api-key")}}}
	layer := NewModelLayer(ModelLayerConfig{Source: domain.SourceModelA, Backend: backend, Limiter: newTestLimiter(3), Confidence: 0.9})

	_, err := layer.Parse(context.Background(), domain.PostInput{ID: "p1"})
	var layerErr *domain.LayerError
	if !errors.As(err, &layerErr) || layerErr.Kind != domain.ErrKindUnauthenticated {
		t.Fatalf("expected unauthenticated layer error, got %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("calls = %d, want 1", backend.calls)
	}
}

func TestModelLayerUnavailableExhausts(t *testing.T) {
	unavailable := &BackendError{Provider: "fake", StatusCode: 503, Err: errors.New("overloaded")}
	backend := &fakeBackend{errs: []error{unavailable, unavailable, unavailable}}
	layer := NewModelLayer(ModelLayerConfig{Source: domain.SourceModelA, Backend: backend, Limiter: newTestLimiter(2), Confidence: 0.9})

	_, err := layer.Parse(context.Background(), domain.PostInput{ID: "p1"})
	var layerErr *domain.LayerError
	if !errors.As(err, &layerErr) || layerErr.Kind != domain.ErrKindExhausted {
		t.Fatalf("expected exhausted layer error, got %v", err)
	}
	if backend.calls != 3 {
		t.Fatalf("calls = %d, want 3", backend.calls)
	}
}

func TestModelLayerTimeout(t *testing.T) {
	limiter := ratelimit.New(map[string]ratelimit.Config{
		string(domain.SourceModelA): {RPM: 1, Window: time.Hour},
	})
	if err := limiter.Acquire(context.Background(), string(domain.SourceModelA)); err != nil {
		t.Fatalf("prime limiter: %v", err)
	}
	layer := NewModelLayer(ModelLayerConfig{Source: domain.SourceModelA, Backend: &fakeBackend{replies: []string{validReply}}, Limiter: limiter, Confidence: 0.9})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := layer.Parse(ctx, domain.PostInput{ID: "p1"})
	var layerErr *domain.LayerError
	if !errors.As(err, &layerErr) || layerErr.Kind != domain.ErrKindTimeout {
		t.Fatalf("expected timeout while starved for a slot, got %v", err)
	}
}

func TestAnthropicBackendComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"{\"ok\":true}"}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":4}}`)
	}))
	defer srv.Close()

	backend := NewAnthropicBackend(AnthropicConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL + "/"})
	text, usage, err := backend.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `{"ok":true}` {
		t.Fatalf("unexpected text %q", text)
	}
	if usage.TotalTokens() != 16 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if gotBody["model"] != "claude-test" {
		t.Fatalf("unexpected request model: %v", gotBody["model"])
	}

	bad := NewAnthropicBackend(AnthropicConfig{APIKey: "wrong", Model: "claude-test", BaseURL: srv.URL + "/"})
	_, _, err = bad.Complete(context.Background(), "system", "user")
	var be *BackendError
	if !errors.As(err, &be) || !be.Unauthenticated() {
		t.Fatalf("expected unauthenticated backend error, got %v", err)
	}
}

func TestOpenAIBackendComplete(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &gotReq)
			io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"llama3","choices":[{"index":0,"message":{"role":"assistant","content":"{}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
		case "/v1/embeddings":
			io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":1,"embedding":[0.5,0.5]},{"object":"embedding","index":0,"embedding":[1,0]}],"model":"emb","usage":{"prompt_tokens":2,"total_tokens":2}}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
		}
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "llama3", JSONMode: true})
	text, usage, err := backend.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "{}" || usage.TotalTokens() != 9 {
		t.Fatalf("unexpected completion %q %+v", text, usage)
	}
	if rf, ok := gotReq["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", gotReq["response_format"])
	}

	embedder := NewEmbedder(EmbedderConfig{BaseURL: srv.URL + "/v1", Model: "emb"})
	vecs, err := embedder.EmbedBatch(context.Background(), []string{"raipur", "durg"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if !reflect.DeepEqual(vecs[0], []float32{1, 0}) || !reflect.DeepEqual(vecs[1], []float32{0.5, 0.5}) {
		t.Fatalf("embeddings not placed by index: %v", vecs)
	}

	broken := NewOpenAIBackend(OpenAIConfig{BaseURL: srv.URL + "/other", Model: "llama3"})
	_, _, err = broken.Complete(context.Background(), "system", "user")
	var be *BackendError
	if !errors.As(err, &be) || be.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 backend error, got %v", err)
	}
}
