package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/andreasco/concierge/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to a status. Message replaces err.Error()
// in the response when set.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// HandleError writes the first mapping err matches, or 500 when none does.
// Mapped statuses of 500 and above are logged at warn.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	logger := ctxlog.FromContext(ctx)
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		if m.Status >= http.StatusInternalServerError {
			logger.Warn("request failed", "status", m.Status, "error", err)
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, msg)
		return
	}
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
