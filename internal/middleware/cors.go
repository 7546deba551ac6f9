package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// トークンはリクエストボディで送るためcredentialsは許可しない。
// そのためallowedOriginsにはワイルドカード(*)も指定できる。
//
// allowedOriginsはカンマ区切りで複数指定できる。単一の場合は常にそのオリジンを返し、
// 複数の場合はリクエストのOriginと一致したものだけを返す。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	origins := parseOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin := matchOrigin(origins, r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "86400")
			if origins[0] != "*" {
				h.Add("Vary", "Origin")
			}

			// OPTIONSプリフライトリクエストには204で応答
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// parseOrigins はカンマ区切りのオリジン一覧を分解する。空の場合は["*"]。
func parseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func matchOrigin(origins []string, requestOrigin string) string {
	if len(origins) == 1 {
		return origins[0]
	}
	for _, o := range origins {
		switch {
		case o == "*":
			return "*"
		case requestOrigin != "" && strings.EqualFold(o, requestOrigin):
			return requestOrigin
		}
	}
	return ""
}
