package experiment

import (
	"go.uber.org/zap"
)

// AuditLogger records a structured event for every engine operation. It is a
// side-effecting observer only: it never influences engine decisions and its
// failures never block the primary operation. With anonymization enabled,
// user identifiers are one-way hashed before they reach the log.
type AuditLogger struct {
	logger    *zap.Logger
	enabled   bool
	anonymize bool
}

// NewAuditLogger 创建审计记录器
func NewAuditLogger(logger *zap.Logger, enabled, anonymize bool) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{
		logger:    logger.With(zap.String("component", "audit")),
		enabled:   enabled,
		anonymize: anonymize,
	}
}

// Record 记录一次操作
func (a *AuditLogger) Record(operation, testID, userID string, fields ...zap.Field) {
	if a == nil || !a.enabled {
		return
	}
	defer func() {
		// Audit logging is best effort.
		_ = recover()
	}()

	logFields := make([]zap.Field, 0, len(fields)+3)
	logFields = append(logFields, zap.String("operation", operation))
	if testID != "" {
		logFields = append(logFields, zap.String("test_id", testID))
	}
	if userID != "" {
		if a.anonymize {
			userID = AnonymizeID(userID)
		}
		logFields = append(logFields, zap.String("user_id", userID))
	}
	logFields = append(logFields, fields...)

	a.logger.Info("audit", logFields...)
}
