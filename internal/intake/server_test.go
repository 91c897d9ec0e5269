package intake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"sitegen/internal/genqueue"
	"sitegen/internal/overboard"
	"sitegen/internal/storage"
	"sitegen/internal/trigger"
	logx "sitegen/pkg/logx"
)

// startQueue runs a queue whose page renders block until the test ends.
func startQueue(t *testing.T) *genqueue.Queue {
	t.Helper()
	release := make(chan struct{})
	r := genqueue.RendererFuncs{
		PageFunc: func(ctx context.Context, _ string, _ int) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	q := genqueue.New(genqueue.Config{}, r, logx.Nop(), nil)
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	t.Cleanup(func() { close(release) })
	return q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestRebuild(t *testing.T) {
	t.Parallel()
	s := New(Config{RatePerSec: 1000, Burst: 1000}, Deps{Queue: startQueue(t)}, logx.Nop())
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/rebuild", `{"board":"b","page":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d %s", rec.Code, rec.Body)
	}
	var got RebuildResponse
	decodeBody(t, rec, &got)
	if got.Request != genqueue.Page("b", 2) || !got.Admitted || got.Decision != "admitted" {
		t.Fatalf("first submit = %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/v1/rebuild", `{"board":"b","page":2}`)
	decodeBody(t, rec, &got)
	if rec.Code != http.StatusOK || got.Admitted || got.Decision != "duplicate" {
		t.Fatalf("second submit = %d %+v", rec.Code, got)
	}
}

func TestRebuildRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := New(Config{RatePerSec: 1000, Burst: 1000}, Deps{Queue: startQueue(t)}, logx.Nop()).Handler()

	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{name: "page and thread", body: `{"board":"b","page":1,"thread":2}`, status: http.StatusBadRequest, field: "page"},
		{name: "two globals", body: `{"globalRebuild":true,"frontPage":true}`, status: http.StatusBadRequest, field: "globalRebuild"},
		{name: "no scope", body: `{}`, status: http.StatusBadRequest, field: "board"},
		{name: "unknown key", body: `{"everything":true}`, status: http.StatusBadRequest},
		{name: "trailing data", body: `{"frontPage":true} {}`, status: http.StatusBadRequest},
		{name: "not json", body: `frontPage`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, h, http.MethodPost, "/v1/rebuild", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			var e errorResponse
			decodeBody(t, rec, &e)
			if e.Error == "" || (tt.field != "" && e.Field != tt.field) {
				t.Fatalf("error body = %+v", e)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/rebuild", strings.NewReader(`{"frontPage":true}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain status = %d", rec.Code)
	}
}

func TestRebuildOnStoppedQueue(t *testing.T) {
	t.Parallel()
	q := genqueue.New(genqueue.Config{}, genqueue.RendererFuncs{}, logx.Nop(), nil)
	h := New(Config{}, Deps{Queue: q}, logx.Nop()).Handler()
	if rec := do(t, h, http.MethodPost, "/v1/rebuild", `{"frontPage":true}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	h := New(Config{RatePerSec: 0.01, Burst: 1}, Deps{Queue: startQueue(t)}, logx.Nop()).Handler()
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "100" {
		t.Fatalf("second request = %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestStatusAndHealth(t *testing.T) {
	t.Parallel()
	pingErr := errors.New("database is locked")
	failing := false
	s := New(Config{RatePerSec: 1000, Burst: 1000}, Deps{
		Queue: startQueue(t),
		Ping: func(context.Context) error {
			if failing {
				return pingErr
			}
			return nil
		},
	}, logx.Nop())
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/status", "")
	var snap genqueue.Snapshot
	decodeBody(t, rec, &snap)
	if rec.Code != http.StatusOK || !snap.Running {
		t.Fatalf("status = %d %+v", rec.Code, snap)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	failing = true
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with failing ping = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without the flag = %d", rec.Code)
	}
}

type fakeOverboard struct {
	got []overboard.Bump
	err error
}

func (f *fakeOverboard) Reaggregate(_ context.Context, b overboard.Bump) (overboard.Result, error) {
	if f.err != nil {
		return overboard.Result{}, f.err
	}
	f.got = append(f.got, b)
	return overboard.Result{Inserted: true, Queued: true, Decision: "admitted"}, nil
}

func TestOverboard(t *testing.T) {
	t.Parallel()
	ob := &fakeOverboard{}
	h := New(Config{RatePerSec: 1000, Burst: 1000}, Deps{Queue: startQueue(t), Overboard: ob}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/overboard", `{"board":"b","thread":7,"post":9,"bump":true}`)
	var res overboard.Result
	decodeBody(t, rec, &res)
	if rec.Code != http.StatusOK || !res.Inserted || len(ob.got) != 1 || ob.got[0].Post != 9 {
		t.Fatalf("overboard = %d %+v %+v", rec.Code, res, ob.got)
	}

	rec = do(t, h, http.MethodPost, "/v1/overboard", `{"board":"b"}`)
	var e errorResponse
	decodeBody(t, rec, &e)
	if rec.Code != http.StatusBadRequest || e.Field != "thread" {
		t.Fatalf("missing thread = %d %+v", rec.Code, e)
	}

	rec = do(t, h, http.MethodPost, "/v1/overboard", `{"board":"..","thread":7}`)
	e = errorResponse{}
	decodeBody(t, rec, &e)
	if rec.Code != http.StatusBadRequest || e.Field != "board" || len(ob.got) != 1 {
		t.Fatalf("parent dir board = %d %+v", rec.Code, e)
	}

	ob.err = overboard.ErrDisabled
	if rec := do(t, h, http.MethodPost, "/v1/overboard", `{"board":"b","thread":7}`); rec.Code != http.StatusConflict {
		t.Fatalf("disabled = %d", rec.Code)
	}

	bare := New(Config{}, Deps{Queue: startQueue(t)}, logx.Nop()).Handler()
	if rec := do(t, bare, http.MethodPost, "/v1/overboard", `{"board":"b","thread":7}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unwired overboard = %d", rec.Code)
	}
}

type fakeGenerations []storage.Generation

func (f fakeGenerations) RecentGenerations(_ context.Context, limit int) ([]storage.Generation, error) {
	if limit < len(f) {
		return f[:limit], nil
	}
	return f, nil
}

func TestGenerations(t *testing.T) {
	t.Parallel()
	gens := fakeGenerations{{Request: "global", Kind: "global", OK: true}, {Request: "front_page", Kind: "front_page"}}
	h := New(Config{RatePerSec: 1000, Burst: 1000}, Deps{Queue: startQueue(t), Generations: gens}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/generations?limit=1", "")
	var got []storage.Generation
	decodeBody(t, rec, &got)
	if rec.Code != http.StatusOK || len(got) != 1 || got[0].Request != "global" {
		t.Fatalf("generations = %d %+v", rec.Code, got)
	}
	for _, bad := range []string{"0", "x", "5000"} {
		if rec := do(t, h, http.MethodGet, "/v1/generations?limit="+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d", bad, rec.Code)
		}
	}
}

func TestTriggers(t *testing.T) {
	t.Parallel()
	q := startQueue(t)
	tr := trigger.New(q, logx.Nop())
	if err := tr.Apply([]trigger.Trigger{{Name: "front", Schedule: "@hourly", Message: genqueue.Message{FrontPage: true}}}); err != nil {
		t.Fatal(err)
	}
	h := New(Config{RatePerSec: 1000, Burst: 1000}, Deps{Queue: q, Triggers: tr}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/triggers/front/fire", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("fire = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/v1/triggers/missing/fire", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("fire missing = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/v1/triggers", "")
	var st []trigger.Status
	decodeBody(t, rec, &st)
	if len(st) != 1 || st[0].Fired != 1 || st[0].Request != "front_page" {
		t.Fatalf("triggers = %+v", st)
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0", Pprof: true, RatePerSec: 1000, Burst: 1000}, Deps{Queue: startQueue(t)}, logx.Nop())
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for _, path := range []string{"/healthz", "/debug/pprof/"} {
		resp, err := http.Get("http://" + s.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
