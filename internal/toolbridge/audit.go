package toolbridge

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"todoo/api/internal/app"
	"todoo/api/internal/rbac"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	keyValuePattern    = regexp.MustCompile(`(?i)\b(token|secret|password|authorization|api-key)\s*[:=]\s*([^\s,;]+)`)
)

// ToolCallCompletion captures one finished tool call.
type ToolCallCompletion struct {
	ToolName    string
	Actor       rbac.Actor
	Kind        app.Kind
	Confirm     bool
	ErrorDetail string
	Duration    time.Duration
}

// AuditLogger writes one structured entry per tool call.
type AuditLogger struct {
	logger zerolog.Logger
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *AuditLogger) Complete(event ToolCallCompletion) {
	if l == nil {
		return
	}
	tool := strings.TrimSpace(event.ToolName)
	if tool == "" {
		tool = "unknown"
	}
	duration := event.Duration
	if duration < 0 {
		duration = 0
	}

	entry := l.logger.Info().
		Str("event", "assistant.tool_call.completed").
		Str("tool", tool).
		Str("actor_id", event.Actor.ID).
		Str("actor_role", string(event.Actor.Role)).
		Str("outcome", string(event.Kind)).
		Bool("confirm", event.Confirm).
		Int64("duration_ms", duration.Milliseconds())
	if detail := RedactSensitiveText(event.ErrorDetail); detail != "" {
		entry = entry.Str("error_detail", detail)
	}
	entry.Msg("tool call completed")
}

// RedactSensitiveText removes obvious secrets from free-text error details.
func RedactSensitiveText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	redacted := bearerTokenPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	return keyValuePattern.ReplaceAllStringFunc(redacted, func(match string) string {
		if parts := strings.SplitN(match, ":", 2); len(parts) == 2 {
			return fmt.Sprintf("%s: [REDACTED]", strings.TrimSpace(parts[0]))
		}
		if parts := strings.SplitN(match, "=", 2); len(parts) == 2 {
			return fmt.Sprintf("%s=[REDACTED]", strings.TrimSpace(parts[0]))
		}
		return "[REDACTED]"
	})
}
