package csrf

import (
	"net/http"
)

// SetCookies writes both cookies carrying t.
func (s *Store) SetCookies(w http.ResponseWriter, t Token) {
	maxAge := int(s.cfg.RotationInterval.Seconds())
	http.SetCookie(w, s.cookie(MetaCookieName, t.Value, maxAge, true))
	http.SetCookie(w, s.cookie(CookieName, t.Value, maxAge, false))
}

// ClearCookies expires both cookies.
func (s *Store) ClearCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(MetaCookieName, "", -1, true))
	http.SetCookie(w, s.cookie(CookieName, "", -1, false))
}

func (s *Store) cookie(name, value string, maxAge int, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: httpOnly,
		Secure:   s.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
