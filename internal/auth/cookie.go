// ABOUTME: Session cookie writer, the only code that sets or clears the session cookie
// ABOUTME: Cookies are HttpOnly, Secure and SameSite=Lax with MaxAge equal to the token TTL

package auth

import (
	"net/http"
)

// DefaultCookieName is used when no cookie name is configured.
const DefaultCookieName = "converto.sid"

// CookieWriter owns the session cookie attributes.
type CookieWriter struct {
	Name   string
	Domain string
	// Insecure drops the Secure attribute for plain-HTTP development servers.
	Insecure bool
}

// NewCookieWriter creates a writer for the named cookie.
func NewCookieWriter(name, domain string, insecure bool) *CookieWriter {
	if name == "" {
		name = DefaultCookieName
	}
	return &CookieWriter{Name: name, Domain: domain, Insecure: insecure}
}

// Write sets the session cookie for s.
func (c *CookieWriter) Write(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    s.Token,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(s.TTL().Seconds()),
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   !c.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie.
func (c *CookieWriter) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !c.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Read returns the session token from the request, or "" when absent.
func (c *CookieWriter) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
