package csrf

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 44)
	assert.NotEqual(t, a, b)
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name      string
		cookie    string
		submitted string
		want      bool
	}{
		{"match", "abc", "abc", true},
		{"mismatch", "abc", "abd", false},
		{"empty cookie", "", "abc", false},
		{"empty submitted", "abc", "", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateToken(tt.cookie, tt.submitted))
		})
	}
}

func TestValidateRequest_Header(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/cart", strings.NewReader(`{"sku":"A"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderName, "tok")
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "tok"})

	assert.True(t, ValidateRequest(req))
}

func TestValidateRequest_FormField(t *testing.T) {
	form := url.Values{FormFieldName: {"tok"}}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "tok"})

	assert.True(t, ValidateRequest(req))
}

func TestValidateRequest_FormBodyStaysReadable(t *testing.T) {
	body := "csrf_token=tok&qty=2"
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/cart", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "tok"})

	assert.True(t, ValidateRequest(req))

	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, buf.String(), "form body must remain readable for forwarding")
}

func TestValidateRequest_JSONBodyIsNotConsumed(t *testing.T) {
	body := `{"csrf_token":"tok"}`
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/cart", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "tok"})

	assert.False(t, ValidateRequest(req), "JSON bodies are not a token source")

	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, buf.String(), "body must remain readable for forwarding")
}

func TestValidateRequest_MissingCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/cart", nil)
	req.Header.Set(HeaderName, "tok")

	assert.False(t, ValidateRequest(req))
}

func TestSetCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCookie(rec, "tok", true)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "tok", c.Value)
	assert.False(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, CookieMaxAge, c.MaxAge)
}

func TestClearCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	ClearCookie(rec, false)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestEnsureToken(t *testing.T) {
	t.Run("keeps existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: "existing"})
		rec := httptest.NewRecorder()

		assert.Equal(t, "existing", EnsureToken(rec, req, false))
		assert.Empty(t, rec.Result().Cookies())
	})

	t.Run("issues a new token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		token := EnsureToken(rec, req, false)
		assert.NotEmpty(t, token)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, token, cookies[0].Value)
	})
}
