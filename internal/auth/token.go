package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	accessTokenCookie = "sb-access-token"
	authCookiePrefix  = "sb-"
	authCookieSuffix  = "-auth-token"
	base64Prefix      = "base64-"
)

// ExtractToken finds the caller's access token. It checks, in order, the
// Authorization bearer header, the sb-access-token cookie and the
// sb-<project>-auth-token session cookie, which may be split across numbered
// chunks.
func ExtractToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token, true
		}
	}
	for _, value := range sessionCookieValues(r.Cookies()) {
		if token, ok := parseSessionCookie(value); ok {
			return token, true
		}
	}
	return "", false
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type cookieChunk struct {
	index int
	value string
}

// sessionCookieValues groups sb-*-auth-token cookies by name and joins
// numbered chunks in index order. Names are returned sorted for determinism.
func sessionCookieValues(cookies []*http.Cookie) []string {
	groups := make(map[string][]cookieChunk)
	for _, cookie := range cookies {
		base, index, ok := splitSessionCookieName(cookie.Name)
		if !ok {
			continue
		}
		groups[base] = append(groups[base], cookieChunk{index: index, value: cookie.Value})
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, 0, len(names))
	for _, name := range names {
		chunks := groups[name]
		sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
		var b strings.Builder
		for _, chunk := range chunks {
			b.WriteString(chunk.value)
		}
		values = append(values, b.String())
	}
	return values
}

func splitSessionCookieName(name string) (string, int, bool) {
	base, index := name, -1
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		n, err := strconv.Atoi(name[dot+1:])
		if err != nil || n < 0 {
			return "", 0, false
		}
		base, index = name[:dot], n
	}
	if !strings.HasPrefix(base, authCookiePrefix) || !strings.HasSuffix(base, authCookieSuffix) {
		return "", 0, false
	}
	if len(base) <= len(authCookiePrefix)+len(authCookieSuffix) {
		return "", 0, false
	}
	return base, index, true
}

// parseSessionCookie accepts a raw JWT, a JSON array whose first element is
// the access token, or a JSON object with an access_token field. JSON forms
// may be URL-escaped or carry a base64- prefix.
func parseSessionCookie(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "%") {
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
	}
	if strings.HasPrefix(value, base64Prefix) {
		decoded, ok := decodeBase64(strings.TrimPrefix(value, base64Prefix))
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(decoded)
	}

	switch {
	case strings.HasPrefix(value, "["):
		var parts []any
		if err := json.Unmarshal([]byte(value), &parts); err != nil || len(parts) == 0 {
			return "", false
		}
		token, _ := parts[0].(string)
		return token, looksLikeJWT(token)
	case strings.HasPrefix(value, "{"):
		var session struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal([]byte(value), &session); err != nil {
			return "", false
		}
		return session.AccessToken, looksLikeJWT(session.AccessToken)
	default:
		return value, looksLikeJWT(value)
	}
}

func decodeBase64(value string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if decoded, err := enc.DecodeString(value); err == nil {
			return string(decoded), true
		}
	}
	return "", false
}

func looksLikeJWT(token string) bool {
	return token != "" && strings.Count(token, ".") == 2
}
