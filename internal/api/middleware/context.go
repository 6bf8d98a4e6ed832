package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const clientIPKey contextKey = "client_ip"

func SetClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

func GetClientIP(r *http.Request) (string, bool) {
	ip, ok := r.Context().Value(clientIPKey).(string)
	return ip, ok && ip != ""
}

// ClientIP stores the caller's remote address, without the port, in the
// request context. Forwarding headers are not trusted.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetClientIP(r.Context(), remoteHost(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
