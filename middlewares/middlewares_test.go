package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

func newScopedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	g := r.Group("/v1", BusinessScope())
	g.GET("/whoami", func(c *gin.Context) {
		biz, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		claim := CtxValue(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"business_id": biz, "user": claim.Username})
	})
	g.POST("/lock", RequireRole(utils.RoleAdmin, utils.RoleAccountant), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func bearer(t *testing.T, role, businessId string) string {
	t.Helper()
	tok, err := utils.JwtGenerate(utils.JwtCustomClaim{ID: 1, Username: "op-" + role, Role: role, BusinessId: businessId})
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	return "Bearer " + tok
}

func TestBusinessScopeAndRoles(t *testing.T) {
	t.Setenv("API_SECRET", "middleware-secret")
	r := newScopedRouter()

	tests := []struct {
		name     string
		method   string
		path     string
		auth     string
		business string
		want     int
		wantBody string
	}{
		{"anonymous", http.MethodGet, "/v1/whoami", "", "", http.StatusUnauthorized, ""},
		{"not a bearer", http.MethodGet, "/v1/whoami", "Basic Zm9vOmJhcg==", "", http.StatusUnauthorized, ""},
		{"broken token", http.MethodGet, "/v1/whoami", "Bearer abc.def.ghi", "", http.StatusUnauthorized, ""},
		{"own business", http.MethodGet, "/v1/whoami", bearer(t, utils.RoleAccountant, "biz-1"), "", http.StatusOK, `{"business_id":"biz-1","user":"op-Accountant"}`},
		{"same business header", http.MethodGet, "/v1/whoami", bearer(t, utils.RoleAccountant, "biz-1"), "biz-1", http.StatusOK, `{"business_id":"biz-1","user":"op-Accountant"}`},
		{"foreign business header", http.MethodGet, "/v1/whoami", bearer(t, utils.RoleAccountant, "biz-1"), "biz-2", http.StatusForbidden, ""},
		{"admin picks a business", http.MethodGet, "/v1/whoami", bearer(t, utils.RoleAdmin, "biz-1"), "biz-2", http.StatusOK, `{"business_id":"biz-2","user":"op-Admin"}`},
		{"no business at all", http.MethodGet, "/v1/whoami", bearer(t, utils.RoleAdmin, ""), "", http.StatusBadRequest, ""},
		{"viewer cannot mutate", http.MethodPost, "/v1/lock", bearer(t, utils.RoleViewer, "biz-1"), "", http.StatusForbidden, ""},
		{"accountant can mutate", http.MethodPost, "/v1/lock", bearer(t, utils.RoleAccountant, "biz-1"), "", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.business != "" {
				req.Header.Set(BusinessHeader, tt.business)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Fatalf("body %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSessionWithoutTokenPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SessionMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d", w.Code)
	}
}

func TestParseSession(t *testing.T) {
	tests := []struct {
		raw  string
		want Session
	}{
		{`{"username":"anna","role":"Viewer","business_id":"biz-9"}`, Session{Username: "anna", Role: "Viewer", BusinessId: "biz-9"}},
		{"anna", Session{Username: "anna"}},
		{`{broken`, Session{Username: `{broken`}},
	}
	for _, tt := range tests {
		if got := parseSession(tt.raw); got != tt.want {
			t.Errorf("parseSession(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}
