package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("phaseline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asTester() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestPhaseState(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/phaseline/phases", nil, asTester())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get phases: %d %s", res.StatusCode, string(data))
	}
	var state PhaseStateResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if len(state.Phases) != 6 {
		t.Fatalf("phase count = %d, want 6", len(state.Phases))
	}
	if state.ActiveOrdinal != 1 || state.Completed {
		t.Fatalf("fresh state = %+v", state)
	}
	if state.Phases[0].Name != "Planning" || state.Phases[0].Status != "active" {
		t.Fatalf("phase 1 = %+v", state.Phases[0])
	}
}

func TestSubmitReview(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/1/reviews", map[string]any{
		"outcome":   "approved",
		"signature": "tester/approved",
	}, asTester())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if !tr.Transitioned {
		t.Fatal("approval should transition")
	}
	if tr.State.ActiveOrdinal != 2 {
		t.Fatalf("active ordinal = %d, want 2", tr.State.ActiveOrdinal)
	}
	if tr.Review.ReviewerID != "tester" || tr.Review.Outcome != "approved" {
		t.Fatalf("review = %+v", tr.Review)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/2/reviews", map[string]any{
		"outcome":   "rejected",
		"signature": "tester/rejected",
		"comment":   "inputs incomplete",
	}, asTester())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reject: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if tr.Transitioned || tr.State.ActiveOrdinal != 2 {
		t.Fatalf("rejection must not advance: %+v", tr)
	}
}

func TestSequenceViolation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/3/reviews", map[string]any{
		"outcome":   "approved",
		"signature": "tester/approved",
	}, asTester())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "sequence_violation" {
		t.Fatalf("code = %s, want sequence_violation", env.Error.Code)
	}
	if env.Error.Details["claimed"] != float64(3) || env.Error.Details["active"] != float64(1) {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestInvalidReview(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/1/reviews", map[string]any{
		"outcome": "approved",
	}, asTester())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_review" {
		t.Fatalf("code = %s, want invalid_review", env.Error.Code)
	}
}

func TestReviewerWithoutAuthority(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/1/reviews", map[string]any{
		"reviewer_id": "mallory",
		"outcome":     "approved",
		"signature":   "mallory/approved",
	}, asTester())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "forbidden_review" {
		t.Fatalf("code = %s, want forbidden_review", env.Error.Code)
	}
	if env.Error.Details["phase"] != "Planning" {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestTerminalState(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for ordinal := 1; ordinal <= 6; ordinal++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/"+strconv.Itoa(ordinal)+"/reviews", map[string]any{
			"outcome":   "approved",
			"signature": "tester/approved",
		}, asTester())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("approve %d: %d %s", ordinal, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/phases/6/reviews", map[string]any{
		"outcome":   "approved",
		"signature": "tester/approved",
	}, asTester())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "terminal_state" {
		t.Fatalf("code = %s, want terminal_state", env.Error.Code)
	}

	stateRes, stateData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/phaseline/phases", nil, asTester())
	if stateRes.StatusCode != http.StatusOK {
		t.Fatalf("get phases: %d %s", stateRes.StatusCode, string(stateData))
	}
	var state PhaseStateResponse
	_ = json.Unmarshal(stateData, &state)
	if !state.Completed || state.ActiveOrdinal != 0 {
		t.Fatalf("terminal state = %+v", state)
	}
}

func TestUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/phaseline/phases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", env.Error.Code)
	}

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", healthRes.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "jwt-user",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "jwt-user" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}

	badRes, badData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", badRes.StatusCode, string(badData))
	}
}

func TestUnknownProjectForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// permissions are project-scoped, so probing an unknown project is denied
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/nope", nil, asTester())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", env.Error.Code)
	}
}
