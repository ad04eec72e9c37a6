package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Event names emitted across the client and copier (spec §4.3).
const (
	EventOperationStarted        = "operation_started"
	EventHTTPRequest             = "http_request"
	EventHTTPResponse            = "http_response"
	EventRetryAttempt            = "retry_attempt"
	EventRateLimited             = "rate_limited"
	EventOperationCompleted      = "operation_completed"
	EventBatchOperationCompleted = "batch_operation_completed"
	EventPerformanceWarning      = "performance_warning"
)

// sensitiveKey reports whether a header/field name should be redacted.
// Case-insensitive substring match on authorization, token, or key
// (spec §4.3).
func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "authorization") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "key")
}

// Redact returns a copy of fields with sensitive values replaced.
// Nested map[string]string values (e.g. HTTP headers) are redacted too.
func Redact(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if sensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		switch headers := v.(type) {
		case map[string]string:
			redacted := make(map[string]string, len(headers))
			for hk, hv := range headers {
				if sensitiveKey(hk) {
					redacted[hk] = "[REDACTED]"
				} else {
					redacted[hk] = hv
				}
			}
			out[k] = redacted
		default:
			out[k] = v
		}
	}
	return out
}

// Logger emits structured JSON log records with correlation IDs,
// following the teacher's layered console+metrics logging (spec §4.3).
type Logger struct {
	mu     sync.Mutex
	level  string
	output io.Writer
}

var levelOrder = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// NewLogger creates a logger writing JSON records to os.Stdout at the
// given level ("DEBUG", "INFO", "WARN", "ERROR"; defaults to "INFO").
func NewLogger(level string) *Logger {
	level = strings.ToUpper(level)
	if _, ok := levelOrder[level]; !ok {
		level = "INFO"
	}
	return &Logger{level: level, output: os.Stdout}
}

// SetOutput redirects log output, useful in tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) shouldLog(level string) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

// Event emits one structured record for the given event name, correlation
// context, and extra fields. Sensitive fields are redacted before
// serialization (spec §4.3, property 5).
func (l *Logger) Event(level, event string, corr *Correlation, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}
	merged := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if corr != nil {
		for k, v := range corr.Fields() {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	merged = Redact(merged)

	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(merged)
	if err != nil {
		fmt.Fprintf(l.output, `{"event":"log_marshal_error","error":%q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func (l *Logger) Debug(event string, corr *Correlation, fields map[string]interface{}) {
	l.Event("DEBUG", event, corr, fields)
}

func (l *Logger) Info(event string, corr *Correlation, fields map[string]interface{}) {
	l.Event("INFO", event, corr, fields)
}

func (l *Logger) Warn(event string, corr *Correlation, fields map[string]interface{}) {
	l.Event("WARN", event, corr, fields)
}

func (l *Logger) Error(event string, corr *Correlation, fields map[string]interface{}) {
	l.Event("ERROR", event, corr, fields)
}
