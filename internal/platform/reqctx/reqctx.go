// Package reqctx extracts the technical context of a request (client address,
// user agent, session, path) that is stored alongside every audit entry.
package reqctx

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/mssola/useragent"

	"github.com/ehr/anamnesis/internal/platform/auth"
)

type contextKey string

const technicalKey contextKey = "technical_context"

// SessionHeader is consulted when the identity token carries no session id.
const SessionHeader = "X-Session-ID"

// Bounds on what is persisted from client-controlled values.
const (
	maxUserAgent = 512
	maxShort     = 128
	maxPath      = 1024
)

type Technical struct {
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	RequestPath string `json:"requestPath,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	Client      Client `json:"client"`
}

// Client is the parsed form of the user agent.
type Client struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	Mobile         bool   `json:"mobile"`
	Bot            bool   `json:"bot"`
}

func (c Client) String() string {
	if c.Browser == "" && c.OS == "" {
		return ""
	}
	s := strings.TrimSpace(fmt.Sprintf("%s %s", c.Browser, c.BrowserVersion))
	if c.OS != "" {
		s += " on " + c.OS
	}
	if c.Mobile {
		s += " (mobile)"
	}
	if c.Bot {
		s += " (bot)"
	}
	return s
}

// IsZero reports whether no client information was parsed.
func (c Client) IsZero() bool {
	return c == Client{}
}

// ParseClient summarizes a raw user agent string.
func ParseClient(raw string) Client {
	if raw == "" {
		return Client{}
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	return Client{
		Browser:        name,
		BrowserVersion: version,
		OS:             ua.OS(),
		Mobile:         ua.Mobile(),
		Bot:            ua.Bot(),
	}
}

// Extract reads the technical context from an echo request. It must run after
// the identity middleware so the token's session id wins over the header.
func Extract(c echo.Context) Technical {
	req := c.Request()
	ua := sanitize(req.UserAgent(), maxUserAgent)

	session := ""
	if caller, ok := auth.CallerFromContext(req.Context()); ok {
		session = caller.SessionID
	}
	if session == "" {
		session = req.Header.Get(SessionHeader)
	}

	rid, _ := c.Get("request_id").(string)

	return Technical{
		IP:          sanitize(c.RealIP(), maxShort),
		UserAgent:   ua,
		SessionID:   sanitize(session, maxShort),
		RequestPath: sanitize(req.Method+" "+req.URL.Path, maxPath),
		RequestID:   sanitize(rid, maxShort),
		Client:      ParseClient(ua),
	}
}

// sanitize drops invalid UTF-8 and NUL bytes, which Postgres text columns
// reject, and cuts s to at most max bytes on a rune boundary.
func sanitize(s string, max int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Middleware stores the extracted context on the request context.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := With(c.Request().Context(), Extract(c))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func With(ctx context.Context, t Technical) context.Context {
	return context.WithValue(ctx, technicalKey, t)
}

// FromContext returns the stored context, or the zero value for background
// work such as CLI commands.
func FromContext(ctx context.Context) Technical {
	t, _ := ctx.Value(technicalKey).(Technical)
	return t
}
