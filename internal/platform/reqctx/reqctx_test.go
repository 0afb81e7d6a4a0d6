package reqctx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/ehr/anamnesis/internal/platform/auth"
)

const chromeOnLinux = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestParseClient(t *testing.T) {
	c := ParseClient(chromeOnLinux)
	if c.Browser != "Chrome" {
		t.Errorf("expected Chrome, got %q", c.Browser)
	}
	if c.Mobile || c.Bot {
		t.Errorf("desktop browser flagged as mobile/bot: %+v", c)
	}
	if !strings.Contains(c.String(), "Chrome") {
		t.Errorf("unexpected summary %q", c.String())
	}
}

func TestParseClient_Empty(t *testing.T) {
	if c := ParseClient(""); !c.IsZero() {
		t.Errorf("expected zero client, got %+v", c)
	}
	if (Client{}).String() != "" {
		t.Error("expected empty summary for zero client")
	}
}

func TestParseClient_Bot(t *testing.T) {
	c := ParseClient("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	if !c.Bot {
		t.Errorf("expected bot, got %+v", c)
	}
}

func TestMiddleware_StoresTechnicalContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/anamnesis/abc", nil)
	req.Header.Set("User-Agent", chromeOnLinux)
	req.Header.Set("X-Real-IP", "10.1.2.3")
	req = req.WithContext(auth.WithCaller(req.Context(), auth.Caller{ID: "u1", Role: auth.RoleDentist, SessionID: "tok-sess"}))
	req.Header.Set(SessionHeader, "header-sess")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-1")

	var got Technical
	h := Middleware()(func(c echo.Context) error {
		got = FromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.IP != "10.1.2.3" {
		t.Errorf("expected ip 10.1.2.3, got %q", got.IP)
	}
	if got.SessionID != "tok-sess" {
		t.Errorf("expected token session to win, got %q", got.SessionID)
	}
	if got.RequestPath != "GET /api/v1/anamnesis/abc" {
		t.Errorf("unexpected request path %q", got.RequestPath)
	}
	if got.RequestID != "rid-1" {
		t.Errorf("expected request id rid-1, got %q", got.RequestID)
	}
	if got.Client.Browser != "Chrome" {
		t.Errorf("expected parsed client, got %+v", got.Client)
	}
}

func TestExtract_SessionHeaderFallback(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(SessionHeader, "header-sess")
	c := e.NewContext(req, httptest.NewRecorder())

	if got := Extract(c).SessionID; got != "header-sess" {
		t.Errorf("expected header session, got %q", got)
	}
}

func TestExtract_TruncatesUserAgent(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("User-Agent", strings.Repeat("a", 2000))
	c := e.NewContext(req, httptest.NewRecorder())

	if got := len(Extract(c).UserAgent); got != maxUserAgent {
		t.Errorf("expected user agent truncated to %d, got %d", maxUserAgent, got)
	}

	// A two-byte rune straddling the limit is dropped whole.
	req.Header.Set("User-Agent", strings.Repeat("a", maxUserAgent-1)+"é-suffix")
	ua := Extract(c).UserAgent
	if !utf8.ValidString(ua) {
		t.Fatalf("truncated user agent is not valid UTF-8: %q", ua[len(ua)-4:])
	}
	if ua != strings.Repeat("a", maxUserAgent-1) {
		t.Errorf("expected the cut before the multi-byte rune, got %d bytes", len(ua))
	}
}

func TestExtract_SanitizesClientValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/records/%ff%00x", nil)
	req.Header.Set("User-Agent", "curl\xff\xfe/8.0\x00")
	req.Header.Set(SessionHeader, "sess\xc3")
	c := e.NewContext(req, httptest.NewRecorder())

	got := Extract(c)
	if got.UserAgent != "curl/8.0" {
		t.Errorf("expected invalid bytes stripped, got %q", got.UserAgent)
	}
	if got.SessionID != "sess" {
		t.Errorf("expected a valid session id, got %q", got.SessionID)
	}
	if !utf8.ValidString(got.RequestPath) || strings.ContainsRune(got.RequestPath, 0) {
		t.Errorf("request path must be storable text, got %q", got.RequestPath)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 10, "abc"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本語", 7, "日本"},
		{"a\x00b", 10, "ab"},
		{"\xffok", 10, "ok"},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in, tt.max); got != tt.want {
			t.Errorf("sanitize(%q, %d): expected %q, got %q", tt.in, tt.max, tt.want, got)
		}
	}
}

func TestFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := FromContext(req.Context()); got != (Technical{}) {
		t.Errorf("expected zero value, got %+v", got)
	}
}
