package core

import (
	"crypto/subtle"
	"net/http"

	"autopilot/internal/types"
)

// CronSecretHeader carries the shared secret of the tick triggers.
const CronSecretHeader = "X-Cron-Secret"

// CronSecretMiddleware admits requests whose X-Cron-Secret matches the
// configured secret. Without a configured secret every request fails with
// 500; a missing or wrong header gets 403.
func (s *Server) CronSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.Config.Server.CronSecret
		if secret.IsZero() {
			s.Logger.ErrorContext(r.Context(), "cron trigger called but CRON_SECRET is not configured",
				"path", r.URL.Path)
			Error(w, r, types.NewAppError(types.ErrCodeAuthSecretMissing, "cron secret is not configured", nil))
			return
		}

		got := r.Header.Get(CronSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret.Unmask())) != 1 {
			s.Logger.WarnContext(r.Context(), "cron trigger rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"header_present", got != "",
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthSecretInvalid, "invalid cron secret", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
