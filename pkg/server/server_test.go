package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/elo"
)

const testAdminPassword = "correct horse"

type testEnv struct {
	server  *Server
	catalog *data.Catalog
	handler http.Handler
}

func setupServer(t *testing.T, mutate func(*data.ServerConfig, *data.SessionConfig)) testEnv {
	t.Helper()
	ctx := context.Background()
	engine, err := elo.NewEngine(elo.DefaultConfig())
	require.NoError(t, err)
	catalog, err := data.NewCatalog(ctx, engine, data.NewMemoryStore())
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := data.DefaultServerConfig()
	cfg.JWTSecret = "test-secret"
	cfg.AdminPasswordHash = string(hash)
	cfg.VoteRate = 0
	cfg.VoteBurst = 0
	sessionCfg := data.SessionConfig{MaxTitleRounds: 2, MaxCoverRounds: 2}
	if mutate != nil {
		mutate(&cfg, &sessionCfg)
	}

	srv, err := New(cfg, sessionCfg, data.DefaultExportConfig(), catalog, nil)
	require.NoError(t, err)
	return testEnv{server: srv, catalog: catalog, handler: srv.Handler()}
}

func (e testEnv) seed(t *testing.T, kind data.ItemKind, payloads ...string) []data.Item {
	t.Helper()
	items := make([]data.Item, 0, len(payloads))
	for _, p := range payloads {
		it, err := e.catalog.AddItem(context.Background(), kind, p)
		require.NoError(t, err)
		items = append(items, it)
	}
	return items
}

func (e testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) register(t *testing.T, name string) (data.User, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/users", "", RegisterRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.User, resp.Token
}

func (e testEnv) adminToken(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/admin/login", "", AdminLoginRequest{Password: testAdminPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := setupServer(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Round)
}

func TestUsers(t *testing.T) {
	env := setupServer(t, nil)
	user, token := env.register(t, "  Ada  ")
	assert.Equal(t, "Ada", user.Name)

	t.Run("me", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/users/me", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, user.ID, decode[data.User](t, rec).ID)
	})

	t.Run("no token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/users/me", "", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/users/me", "garbage", nil).Code)
	})

	t.Run("invalid name", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/users", "", RegisterRequest{Name: " "})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("unknown fields", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/users", "", map[string]string{"nick": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("survey", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/users/me/survey", token, SurveyRequest{InterestLevel: 11})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/users/me/survey", token,
			SurveyRequest{ReadingHabits: []string{"fantasy"}, InterestLevel: 7})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, data.StepSurvey, decode[data.User](t, rec).CompletedSteps)
	})

	t.Run("feedback out of order", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/users/me/feedback", token, FeedbackRequest{Feedback: "nice"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestSessionFlow(t *testing.T) {
	env := setupServer(t, nil)
	env.seed(t, data.KindTitle, "Salt", "Harbour", "Ash")
	env.seed(t, data.KindCover, "c1.png", "c2.png", "c3.png")

	user, token := env.register(t, "Ada")
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/users/me/survey", token,
		SurveyRequest{InterestLevel: 5}).Code)

	rec := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	state := decode[map[string]any](t, rec)
	assert.Equal(t, "titles", state["phase"])
	base := "/api/sessions/" + state["id"].(string)

	vote := func(kind data.ItemKind) map[string]any {
		t.Helper()
		rec := env.do(t, http.MethodGet, base+"/pair?type="+string(kind), token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		pair := decode[PairResponse](t, rec)
		assert.NotEqual(t, pair.A.ID, pair.B.ID)

		rec = env.do(t, http.MethodPost, base+"/votes", token,
			VoteRequest{Type: string(kind), WinnerID: pair.A.ID, LoserID: pair.B.ID})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[map[string]any](t, rec)
	}

	res := vote(data.KindTitle)
	assert.EqualValues(t, 1, res["rounds"])
	assert.Equal(t, false, res["phaseChanged"])

	rec = env.do(t, http.MethodGet, base+"/pair?type=cover", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "covers before titles are done")

	res = vote(data.KindTitle)
	assert.Equal(t, true, res["phaseChanged"])
	assert.Equal(t, "covers", res["phase"])

	me := decode[data.User](t, env.do(t, http.MethodGet, "/api/users/me", token, nil))
	assert.Equal(t, data.StepTitles, me.CompletedSteps)

	vote(data.KindCover)
	res = vote(data.KindCover)
	assert.Equal(t, "done", res["phase"])

	rec = env.do(t, http.MethodGet, base+"/pair?type=cover", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/votes", token, VoteRequest{Type: "cover", WinnerID: "x", LoserID: "y"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/rankings/cover", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	local := decode[[]RankedItem](t, rec)
	require.Len(t, local, 3)
	assert.Greater(t, local[0].Score, local[2].Score)

	rec = env.do(t, http.MethodPost, "/api/users/me/feedback", token, FeedbackRequest{Feedback: "fun"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, data.StepFeedback, decode[data.User](t, rec).CompletedSteps)

	rec = env.do(t, http.MethodGet, "/api/rankings/title", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	global := decode[[]RankedItem](t, rec)
	require.Len(t, global, 3)
	total := 0
	for _, g := range global {
		total += g.VoteCount
	}
	assert.Equal(t, 4, total)

	assert.Len(t, env.catalog.Votes(), 4)
	for _, v := range env.catalog.Votes() {
		assert.Equal(t, user.ID, v.UserID)
	}

	t.Run("restart", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, base+"/restart", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "titles", decode[map[string]any](t, rec)["phase"])
	})

	t.Run("other users cannot see the session", func(t *testing.T) {
		_, other := env.register(t, "Grace")
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, base, other, nil).Code)
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/nope", other, nil).Code)
	})
}

func TestVoteErrors(t *testing.T) {
	env := setupServer(t, func(cfg *data.ServerConfig, _ *data.SessionConfig) {
		cfg.VoteRate = 0.001
		cfg.VoteBurst = 1
	})
	titles := env.seed(t, data.KindTitle, "A", "B")
	_, token := env.register(t, "Ada")

	rec := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	base := "/api/sessions/" + decode[map[string]any](t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, base+"/votes", token, VoteRequest{Type: "poem", WinnerID: titles[0].ID, LoserID: titles[1].ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/votes", token, VoteRequest{Type: "title", WinnerID: titles[0].ID, LoserID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.catalog.Votes(), "failed vote leaves no trace")

	rec = env.do(t, http.MethodGet, base, token, nil)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["title_rounds"])

	rec = env.do(t, http.MethodPost, base+"/votes", token, VoteRequest{Type: "cover", WinnerID: titles[0].ID, LoserID: titles[1].ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/votes", token, VoteRequest{Type: "title", WinnerID: titles[0].ID, LoserID: titles[1].ID})
	assert.Equal(t, http.StatusOK, rec.Code, "rejected votes do not use up the burst")

	rec = env.do(t, http.MethodPost, base+"/votes", token, VoteRequest{Type: "title", WinnerID: titles[1].ID, LoserID: titles[0].ID})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, env.catalog.Votes(), 1)

	t.Run("admin tokens cannot vote", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/sessions", env.adminToken(t), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPairNotEnoughItems(t *testing.T) {
	env := setupServer(t, nil)
	env.seed(t, data.KindTitle, "Only")
	_, token := env.register(t, "Ada")

	rec := env.do(t, http.MethodPost, "/api/sessions", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	base := "/api/sessions/" + decode[map[string]any](t, rec)["id"].(string)

	rec = env.do(t, http.MethodGet, base+"/pair?type=title", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestAdmin(t *testing.T) {
	env := setupServer(t, nil)
	_, userToken := env.register(t, "Ada")

	rec := env.do(t, http.MethodPost, "/api/admin/login", "", AdminLoginRequest{Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	token := env.adminToken(t)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/admin/stats", userToken, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/admin/stats", "", nil).Code)

	var ids []string
	for _, p := range []string{"First", "Second", "Third"} {
		rec := env.do(t, http.MethodPost, "/api/admin/items", token, AddItemRequest{Type: "title", Payload: p})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decode[data.Item](t, rec).ID)
	}
	rec = env.do(t, http.MethodPost, "/api/admin/items", token, AddItemRequest{Type: "title", Payload: "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	_, _, err := env.catalog.ApplyOutcome(context.Background(),
		data.Vote{UserID: "u", ItemType: data.KindTitle, WinnerItemID: ids[0], LoserItemID: ids[1]}, nil)
	require.NoError(t, err)

	rec = env.do(t, http.MethodDelete, "/api/admin/items/title/"+ids[2], token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/admin/items/title/ghost", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/admin/stats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[data.Stats](t, rec)
	assert.Equal(t, 1, stats.TotalVotes)
	assert.Equal(t, data.KindStats{Total: 3, Active: 2, Votes: 1}, stats.Kinds[data.KindTitle])

	rec = env.do(t, http.MethodGet, "/api/admin/verify", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[VerifyResponse](t, rec).OK)

	t.Run("export", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/admin/export/rankings", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "bookvote_rankings_")
		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		assert.Len(t, records, 4)

		rec = env.do(t, http.MethodGet, "/api/admin/export/votes?format=json", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]map[string]any](t, rec), 1)

		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/admin/export/items", token, nil).Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/admin/export/votes?format=xml", token, nil).Code)
	})

	t.Run("resets", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/admin/rounds", token, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, 2, decode[data.Round](t, rec).Number)
		assert.Len(t, env.catalog.Votes(), 1, "new round keeps the log")

		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/api/admin/reset-scores", token, nil).Code)
		assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/admin/votes", token, nil).Code)
		assert.Empty(t, env.catalog.Votes())

		rec = env.do(t, http.MethodPost, "/api/admin/hard-reset", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, decode[data.Round](t, rec).Number)
	})

	t.Run("login disabled", func(t *testing.T) {
		env := setupServer(t, func(cfg *data.ServerConfig, _ *data.SessionConfig) { cfg.AdminPasswordHash = "" })
		rec := env.do(t, http.MethodPost, "/api/admin/login", "", AdminLoginRequest{Password: testAdminPassword})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestTokens(t *testing.T) {
	issuer := newTokenIssuer("secret", time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	raw, err := issuer.issue("u1", false)
	require.NoError(t, err)
	claims, err := issuer.parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.False(t, claims.Admin)

	other := newTokenIssuer("other", time.Hour)
	other.now = issuer.now
	_, err = other.parse(raw)
	assert.Error(t, err, "signed with another secret")

	now = now.Add(2 * time.Hour)
	_, err = issuer.parse(raw)
	assert.Error(t, err, "expired")

	random := newTokenIssuer("", time.Hour)
	assert.Len(t, random.secret, 32)
}

func TestBroker(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	b.PublishChange(data.Change{Reason: data.ChangeVote, Kind: data.KindCover, Round: 3})
	var ev SSEEvent
	require.NoError(t, json.Unmarshal(<-ch, &ev))
	assert.Equal(t, SSEEvent{Type: "rankings", Reason: data.ChangeVote, Kind: data.KindCover, Round: 3}, ev)

	b.Unsubscribe(ch)
	assert.Zero(t, b.Subscribers())
	_, open := <-ch
	assert.False(t, open)

	late := b.Subscribe()
	b.Close()
	_, open = <-late
	assert.False(t, open)
	_, open = <-b.Subscribe()
	assert.False(t, open, "subscriptions after close end at once")
}

func TestEvents(t *testing.T) {
	env := setupServer(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() string {
		t.Helper()
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return strings.Join(lines, "\n")
			}
			lines = append(lines, line)
		}
	}

	assert.Equal(t, "event: ready\ndata: {\"round\":1}", nextEvent())

	env.seed(t, data.KindTitle, "Fresh")
	assert.Equal(t, fmt.Sprintf("event: rankings\ndata: {\"type\":\"rankings\",\"reason\":%q,\"kind\":\"title\",\"round\":1}",
		data.ChangeItems), nextEvent())
}

func TestCORS(t *testing.T) {
	env := setupServer(t, func(cfg *data.ServerConfig, _ *data.SessionConfig) {
		cfg.AllowedOrigins = []string{"https://survey.example"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	req.Header.Set("Origin", "https://survey.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://survey.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe(t *testing.T) {
	env := setupServer(t, nil)
	env.server.pruneEvery = 10 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{data.ErrItemNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", data.ErrWrongPhase), http.StatusConflict},
		{data.ErrStaleWrite, http.StatusConflict},
		{data.ErrRoundClosed, http.StatusConflict},
		{elo.ErrSameItem, http.StatusBadRequest},
		{data.ErrNoActiveUser, http.StatusUnauthorized},
		{data.ErrInvalidSurvey, http.StatusUnprocessableEntity},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
