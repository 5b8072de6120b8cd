package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "EVMQuery-Chain/internal/errors"
)

func okHandler(t *testing.T, wantCaller string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sub := SubjectFromContext(r.Context()); sub == nil || sub.Name != wantCaller {
			t.Errorf("unexpected subject in context: %+v", sub)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, authorization string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAPIKeyMiddleware(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeAPIKey, APIKeys: []APIKey{
		{Name: "dashboard", Key: "read-only", Permissions: []string{PermQueryRead}},
		{Name: "bot", Key: "writer", Permissions: []string{PermQueryRead, PermQueryWrite}},
	}})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h := svc.Middleware("create_query", PermQueryWrite)(okHandler(t, "bot"))

	cases := map[string]int{
		"":                 http.StatusUnauthorized,
		"Basic abc":        http.StatusUnauthorized,
		"Bearer nope":      http.StatusUnauthorized,
		"Bearer read-only": http.StatusForbidden,
		"Bearer writer":    http.StatusNoContent,
	}
	for header, want := range cases {
		if got := serve(h, header); got != want {
			t.Fatalf("%q: got %d want %d", header, got, want)
		}
	}
}

func TestJWTIssueAndVerify(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeJWT, JWTSecret: "s3cret", Issuer: "evmqueryd"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	token, err := svc.Issue("alice", []string{"*"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sub, err := svc.AuthenticateRequest("Bearer " + token)
	if err != nil || sub.Name != "alice" || !sub.HasPermission(PermQueryWrite) {
		t.Fatalf("unexpected subject %+v %v", sub, err)
	}

	other, _ := NewService(Config{Mode: ModeJWT, JWTSecret: "different"})
	if _, err := other.AuthenticateRequest("Bearer " + token); xerrors.CodeOf(err) != CodeUnauthenticated {
		t.Fatalf("expected signature failure, got %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := svc.Issue("bob", nil, time.Hour)
	if _, err := svc.AuthenticateRequest("Bearer " + expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("unexpected service %v %v", svc, err)
	}
	h := svc.Middleware("x", PermQueryWrite)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if got := serve(h, ""); got != http.StatusNoContent {
		t.Fatalf("disabled auth must pass through, got %d", got)
	}
	if _, err := svc.Issue("a", nil, 0); err == nil {
		t.Fatalf("issue must require jwt mode")
	}
}

func TestConfigErrors(t *testing.T) {
	for name, cfg := range map[string]Config{
		"no keys":   {Mode: ModeAPIKey},
		"empty key": {Mode: ModeAPIKey, APIKeys: []APIKey{{Name: "x"}}},
		"no secret": {Mode: ModeJWT},
		"bad mode":  {Mode: "ldap"},
	} {
		if _, err := NewService(cfg); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}
