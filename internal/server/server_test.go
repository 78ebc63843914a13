package server_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/migrate"
	"taskgate/internal/repo"
	"taskgate/internal/server"
)

const testSecret = "test-jwt-secret"

func newTestServer(t *testing.T) (*httptest.Server, repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	handler, err := server.New(server.Config{Repo: r, Auth: server.AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, r, conn
}

func bearerToken(t *testing.T) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := get(t, ts.URL+"/v0/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status        string `json:"status"`
		SchemaVersion int    `json:"schema_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.SchemaVersion < 1 {
		t.Fatalf("health = %+v, want ok with applied schema", body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := get(t, ts.URL+"/v0/plans", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}

	bogus, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	resp = get(t, ts.URL+"/v0/plans", bogus)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d, want 401", resp.StatusCode)
	}
}

func TestGetPlanWithTasks(t *testing.T) {
	ts, r, conn := newTestServer(t)
	ctx := context.Background()

	planID := uuid.NewString()
	tx, _ := conn.BeginTx(ctx, nil)
	p := domain.Plan{ID: planID, Name: "rollout", ProjectPath: ".", BaseBranch: "main",
		Status: domain.PlanApproved, CreatedAt: "2026-01-01T00:00:00Z"}
	if err := r.InsertPlanTx(ctx, tx, p); err != nil {
		t.Fatal(err)
	}
	task := domain.Task{ID: uuid.NewString(), PlanID: planID, Name: "ship",
		ScopeLevel: domain.ScopeNarrow, GatePolicy: domain.GateAuto,
		Status: domain.TaskPending, CreatedAt: "2026-01-01T00:00:00Z"}
	if err := r.InsertTaskTx(ctx, tx, task); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	resp := get(t, ts.URL+"/v0/plans/rollout", bearerToken(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Plan  domain.Plan   `json:"plan"`
		Tasks []domain.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Plan.ID != planID {
		t.Fatalf("plan id = %s, want %s", body.Plan.ID, planID)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].Name != "ship" {
		t.Fatalf("tasks = %+v, want [ship]", body.Tasks)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := get(t, ts.URL+"/v0/plans/nope", bearerToken(t))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
