package spacepanda

import (
	"strings"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

const facadeComponentName = "spacepanda"

// logInfo emits a structured info-level event tagged with the calling
// operation and a correlation id, carrying component/operation/
// correlation_id on every structured log line.
func (s *Service) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", facadeComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlationID),
	}
	s.logger.Info(message, append(base, attrs...)...)
}

// logWarn is logInfo's warn-level counterpart, for degraded-but-not-
// fatal conditions (an unmapped device owner, a full subscriber
// buffer) that don't themselves constitute an error worth a metric.
func (s *Service) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", facadeComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlationID),
	}
	s.logger.Warn(message, append(base, attrs...)...)
}

// recordErrorWithContext increments the injected metrics sink under
// err's spacepandaerr.Kind (falling back to category when err carries
// no typed kind) and logs the failure at error level. A nil err is a
// no-op, so call sites can pass a fallible call's error directly.
func (s *Service) recordErrorWithContext(category string, err error, operation, correlationID string, attrs ...any) {
	if err == nil {
		return
	}
	kind, ok := spacepandaerr.KindOf(err)
	if !ok {
		kind = spacepandaerr.KindProtocol
	}
	s.metrics.RecordError(category, kind)
	base := []any{
		"component", facadeComponentName,
		"operation", strings.TrimSpace(operation),
		"category", strings.TrimSpace(category),
		"correlation_id", strings.TrimSpace(correlationID),
		"error", err.Error(),
	}
	s.logger.Error("service error", append(base, attrs...)...)
}
