package middleware

import (
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/R3E-Network/treasury_layer/internal/logging"
)

// recoveryLogger adapts the service logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *logging.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.WithField("panic", v).Error("Recovered from handler panic")
}

// Recovery turns handler panics into 500 responses and logs them.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: logger}),
		handlers.PrintRecoveryStack(false),
	)
}
