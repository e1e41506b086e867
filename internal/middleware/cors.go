package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware はフロントエンドのオリジンに対するCORSヘッダーを付与する。
// allowedOriginsはカンマ区切りで複数指定できる。Cookieを送るためワイルドカードは使わない。
// 1件だけ指定された場合は常にそのオリジンを返し、複数の場合はリクエストのOriginが
// 一致したときだけ返す。プリフライトには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	var origins []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	allowOrigin := func(reqOrigin string) string {
		if len(origins) == 1 {
			return origins[0]
		}
		for _, o := range origins {
			if o == reqOrigin {
				return o
			}
		}
		return ""
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin := allowOrigin(r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
