package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/datachat-io/datachat/internal/checkpoint"
	"github.com/datachat-io/datachat/internal/config"
	"github.com/datachat-io/datachat/internal/db"
	"github.com/datachat-io/datachat/internal/httpapi/handlers"
	"github.com/datachat-io/datachat/internal/ledger"
	"github.com/datachat-io/datachat/internal/thread"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, *thread.Service, checkpoint.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mgr := db.NewManager(func(ctx context.Context) (*gorm.DB, error) {
		return gdb, nil
	})

	repo := ledger.NewRepo(mgr)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("ledger migrate: %v", err)
	}
	store := checkpoint.NewSQLStore(mgr)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("checkpoint migrate: %v", err)
	}

	svc := thread.NewService(repo, store, 30*time.Second, 5*time.Second)

	cfg := config.Config{JWTSecret: testSecret}
	h := handlers.NewHandler(cfg, svc, nil, nil)
	return NewRouter(cfg, h), svc, store
}

func signToken(t *testing.T, secret, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doReq(t *testing.T, r *gin.Engine, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var envelope map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, envelope
}

func TestRouter_PingIsPublic(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w, env := doReq(t, r, http.MethodGet, "/ping", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ping status: %d", w.Code)
	}
	if env["code"].(float64) != 0 {
		t.Fatalf("unexpected envelope: %v", env)
	}
}

func TestRouter_RejectsMissingAndBadTokens(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w, env := doReq(t, r, http.MethodGet, "/chat-threads", "", "")
	if w.Code != http.StatusUnauthorized || env["code"].(float64) != 40101 {
		t.Fatalf("missing token: status=%d env=%v", w.Code, env)
	}

	forged := signToken(t, "wrong-secret", "a@x.com")
	w, env = doReq(t, r, http.MethodGet, "/chat-threads", forged, "")
	if w.Code != http.StatusUnauthorized || env["code"].(float64) != 40102 {
		t.Fatalf("forged token: status=%d env=%v", w.Code, env)
	}

	noEmail, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	w, env = doReq(t, r, http.MethodGet, "/chat-threads", noEmail, "")
	if w.Code != http.StatusUnauthorized || env["code"].(float64) != 40103 {
		t.Fatalf("no email claim: status=%d env=%v", w.Code, env)
	}
}

func TestRouter_ThreadMessagesRoundTrip(t *testing.T) {
	r, svc, store := newTestRouter(t)
	ctx := context.Background()

	if _, err := svc.CreateRun(ctx, "a@x.com", "t1", "how many rows?", ""); err != nil {
		t.Fatalf("create run: %v", err)
	}
	cfg, err := store.Put(ctx, checkpoint.Config{ThreadID: "t1"}, &checkpoint.Checkpoint{
		ChannelValues: map[string]any{"prompt": "how many rows?"},
	}, &checkpoint.Metadata{Writes: map[string]map[string]any{"__start__": {"prompt": "how many rows?"}}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, cfg, &checkpoint.Checkpoint{
		ChannelValues: map[string]any{"final_answer": "There are exactly 12,500 rows in total."},
	}, nil); err != nil {
		t.Fatalf("put answer: %v", err)
	}

	token := signToken(t, testSecret, "a@x.com")
	w, env := doReq(t, r, http.MethodGet, "/chat/t1/messages", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body=%v", w.Code, env)
	}
	data := env["data"].(map[string]any)
	msgs := data["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %v", len(msgs), msgs)
	}
	runIDs := data["run_ids"].([]any)
	if len(runIDs) != 1 {
		t.Fatalf("expected 1 run id, got %v", runIDs)
	}
}

func TestRouter_SentimentNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	token := signToken(t, testSecret, "a@x.com")
	w, env := doReq(t, r, http.MethodPost, "/sentiment", token, `{"run_id":"nope","sentiment":true}`)
	if w.Code != http.StatusNotFound || env["code"].(float64) != 40404 {
		t.Fatalf("status=%d env=%v", w.Code, env)
	}
}

func TestRouter_SentimentUpdateAndDelete(t *testing.T) {
	r, svc, _ := newTestRouter(t)
	ctx := context.Background()

	runID, err := svc.CreateRun(ctx, "a@x.com", "t1", "q?", "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	token := signToken(t, testSecret, "a@x.com")
	body := fmt.Sprintf(`{"run_id":%q,"sentiment":true}`, runID)
	w, _ := doReq(t, r, http.MethodPost, "/sentiment", token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("sentiment update status: %d", w.Code)
	}

	w, env := doReq(t, r, http.MethodGet, "/chat/t1/sentiments", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("sentiments status: %d", w.Code)
	}
	data := env["data"].(map[string]any)
	if data[runID] != true {
		t.Fatalf("unexpected sentiments: %v", data)
	}

	// another user cannot touch the run
	other := signToken(t, testSecret, "b@x.com")
	w, env = doReq(t, r, http.MethodPost, "/sentiment", other, body)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-user sentiment: status=%d env=%v", w.Code, env)
	}

	w, env = doReq(t, r, http.MethodDelete, "/chat/t1", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status: %d", w.Code)
	}
	data = env["data"].(map[string]any)
	if data["deleted_runs"].(float64) != 1 {
		t.Fatalf("unexpected delete result: %v", data)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w, env := doReq(t, r, http.MethodGet, "/nope", "", "")
	if w.Code != http.StatusNotFound || env["code"].(float64) != 40400 {
		t.Fatalf("status=%d env=%v", w.Code, env)
	}
}
