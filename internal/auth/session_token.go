package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie that carries the session token for browsers.
const CookieName = "filegate_session"

const issuer = "filegate"

// Claims holds session token claims. The token only identifies a
// session; whether that session is authenticated lives server-side.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionTokens signs and validates session tokens with HMAC-SHA256.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionTokens creates a signer. ttl=0 issues tokens without expiry.
func NewSessionTokens(secret string, ttl time.Duration) *SessionTokens {
	return &SessionTokens{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Issue returns a signed token naming sessionID.
func (t *SessionTokens) Issue(sessionID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   issuer,
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return tokenStr, nil
}

// Parse validates tokenStr and returns the session ID it carries.
func (t *SessionTokens) Parse(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.SessionID == "" {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.SessionID, nil
}

// ExtractToken returns the session token from the Authorization header,
// falling back to the session cookie.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// SetCookie writes the session cookie. secure should be true when the
// server terminates TLS.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
