package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(middleware gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(middleware)
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest("GET", "/ping", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
}

func TestCORSOriginFiltering(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		granted bool
	}{
		{"listed origin", []string{"https://dash.opsdeck.dev"}, "https://dash.opsdeck.dev", true},
		{"unlisted origin", []string{"https://dash.opsdeck.dev"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://anywhere.example", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ping", nil)
			req.Header.Set("Origin", tc.origin)
			w := serve(CORSMiddleware(tc.allowed), req)

			granted := w.Header().Get("Access-Control-Allow-Origin") != ""
			if granted != tc.granted {
				t.Errorf("origin %q granted = %v, want %v", tc.origin, granted, tc.granted)
			}
		})
	}
}

func TestCORSWildcardNeverOffersCredentials(t *testing.T) {
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard origins must not allow credentials")
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/ping", nil)
	req.Header.Set("Origin", "https://dash.opsdeck.dev")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight response missing Access-Control-Allow-Methods")
	}
}

func TestValidateEndpointURL(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://93.184.216.34/hook", true}, // public IP literal, no DNS needed
		{"http://localhost:9000/hook", false},
		{"https://127.0.0.1/hook", false},
		{"https://10.0.0.5/hook", false},
		{"https://169.254.169.254/latest/meta-data", false},
		{"https://metadata.google.internal/", false},
		{"ftp://hooks.example.com/", false},
		{"https://", false},
		{"://bad", false},
	}

	for _, tc := range cases {
		err := ValidateEndpointURL(tc.url)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.url, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected rejection", tc.url)
		}
	}
}
