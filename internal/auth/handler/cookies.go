package handler

import (
	"net/http"
	"time"

	"marketplace-auth/internal/auth/service"
)

const (
	cookieAccessToken  = "access_token"
	cookieRefreshToken = "refresh_token"
)

// CookieConfig controls the attributes of the auth cookies. Both cookies are
// always HttpOnly and SameSite=Strict; Secure is configurable only so local
// development over plain HTTP works.
type CookieConfig struct {
	Domain string
	Secure bool
}

func (c CookieConfig) set(w http.ResponseWriter, res *service.AuthResult) {
	http.SetCookie(w, c.cookie(cookieAccessToken, res.AccessToken, res.AccessExpiresAt))
	http.SetCookie(w, c.cookie(cookieRefreshToken, res.RefreshToken, res.RefreshExpiresAt))
}

func (c CookieConfig) clear(w http.ResponseWriter) {
	expired := time.Unix(0, 0)
	http.SetCookie(w, c.cookie(cookieAccessToken, "", expired))
	http.SetCookie(w, c.cookie(cookieRefreshToken, "", expired))
}

func (c CookieConfig) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func readCookie(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
