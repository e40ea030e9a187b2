package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/pkg/logger"
)

var (
	errMissingToken = xerrors.New(xerrors.CodeRejected, "missing bearer token")
	errInvalidToken = xerrors.New(xerrors.CodeRejected, "invalid bearer token")
)

// tokenAuth 校验 Authorization: Bearer <token>。tokens 为空时不做认证。
type tokenAuth struct {
	tokens [][]byte
}

func newTokenAuth(tokens []string) *tokenAuth {
	a := &tokenAuth{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

func (a *tokenAuth) enabled() bool { return a != nil && len(a.tokens) > 0 }

func (a *tokenAuth) authenticate(header string) error {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return errMissingToken
	}
	presented := []byte(strings.TrimSpace(token))
	matched := 0
	for _, t := range a.tokens {
		matched |= subtle.ConstantTimeCompare(presented, t)
	}
	if matched == 0 {
		return errInvalidToken
	}
	return nil
}

// middleware 拒绝未认证的请求并写入审计日志。
func (a *tokenAuth) middleware(next http.Handler) http.Handler {
	if !a.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.authenticate(r.Header.Get("Authorization")); err != nil {
			logger.Audit().Warn("access denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("remote", r.RemoteAddr),
				slog.Any("error", err),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="solstice"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: xerrors.CodeRejected, Message: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
