package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(dir *fakeDirectory) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewGate(dir, nil, nil)))

	r.GET("/open", func(c *gin.Context) {
		name := ""
		if p, ok := GetPrincipal(c); ok {
			name = p.Name
		}
		c.JSON(http.StatusOK, gin.H{"principal": name})
	})

	authed := r.Group("", RequirePrincipal())
	authed.GET("/private", func(c *gin.Context) { c.Status(http.StatusOK) })

	admin := r.Group("", RequireAdmin())
	admin.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	owner := r.Group("", RequireActFor("name"))
	owner.GET("/accounts/:name/feed", func(c *gin.Context) { c.Status(http.StatusOK) })

	return r
}

func directory() *fakeDirectory {
	d := basicDirectory("alice", "secret", false)
	d.creds["root"] = &Credential{
		Name:      "root",
		Admin:     true,
		BasicSalt: "s",
		BasicHash: HashPassword("s", "toor"),
	}
	return d
}

func do(r *gin.Engine, method, path string, setAuth func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if setAuth != nil {
		setAuth(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func asUser(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func TestMiddleware_OpenRouteWithoutAuth(t *testing.T) {
	r := testRouter(directory())
	w := do(r, http.MethodGet, "/open", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"principal":""`)
}

func TestMiddleware_OpenRouteWithAuth(t *testing.T) {
	r := testRouter(directory())
	w := do(r, http.MethodGet, "/open", asUser("alice", "secret"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"principal":"alice"`)
}

func TestMiddleware_BadCredentialsRejectedEverywhere(t *testing.T) {
	r := testRouter(directory())
	w := do(r, http.MethodGet, "/open", asUser("alice", "wrong"))
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestRequirePrincipal(t *testing.T) {
	r := testRouter(directory())

	w := do(r, http.MethodGet, "/private", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/private", asUser("alice", "secret"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	r := testRouter(directory())

	w := do(r, http.MethodGet, "/admin", asUser("alice", "secret"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "forbidden")

	w = do(r, http.MethodGet, "/admin", asUser("root", "toor"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireActFor(t *testing.T) {
	r := testRouter(directory())

	w := do(r, http.MethodGet, "/accounts/alice/feed", asUser("alice", "secret"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/accounts/bob/feed", asUser("alice", "secret"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin can act for any account.
	w = do(r, http.MethodGet, "/accounts/bob/feed", asUser("root", "toor"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/accounts/bob/feed", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
