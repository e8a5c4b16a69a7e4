package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/angelmondragon/backoffice-core/api/responses"
	pkgerrors "github.com/angelmondragon/backoffice-core/pkg/errors"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

const InternalSecretHeader = "X-Internal-Secret"

// InternalSecret guards operator endpoints with a shared secret. An empty configured
// secret rejects every request.
func InternalSecret(secret string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(InternalSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid internal secret"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
