// internal/logger/styled.go
package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for the
// key/model/circuit vocabulary of the proxy (in place of the teacher's
// endpoint/health vocabulary).
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme
func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithKey logs a message annotated with a key prefix (never the secret).
func (sl *StyledLogger) InfoWithKey(msg string, keyPrefix string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.KeyRef}.Sprint(keyPrefix))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithKey(msg string, keyPrefix string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.KeyRef}.Sprint(keyPrefix))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithKey(msg string, keyPrefix string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.KeyRef}.Sprint(keyPrefix))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithModel(msg string, model string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Model}.Sprint(model))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithModel(msg string, model string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Model}.Sprint(model))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithNumbers(msg string, numbers ...int64) {
	var formattedNums []string
	for _, num := range numbers {
		formattedNums = append(formattedNums, pterm.Style{sl.theme.Numbers}.Sprint(num))
	}

	styledMsg := fmt.Sprintf(msg, toInterfaceSlice(formattedNums)...)
	sl.logger.Info(styledMsg)
}

// InfoCircuitState logs a circuit breaker transition for a key+provider pair.
func (sl *StyledLogger) InfoCircuitState(msg string, keyPrefix string, state domain.CircuitState, args ...any) {
	var stateColor pterm.Color
	switch state {
	case domain.CircuitClosed:
		stateColor = sl.theme.CircuitClosed
	case domain.CircuitOpen:
		stateColor = sl.theme.CircuitOpen
	case domain.CircuitHalfOpen:
		stateColor = sl.theme.CircuitHalfOpen
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg, pterm.Style{sl.theme.KeyRef}.Sprint(keyPrefix), pterm.Style{stateColor}.Sprint(state.String()))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnCircuitState(msg string, keyPrefix string, state domain.CircuitState, args ...any) {
	var stateColor pterm.Color
	switch state {
	case domain.CircuitClosed:
		stateColor = sl.theme.CircuitClosed
	case domain.CircuitOpen:
		stateColor = sl.theme.CircuitOpen
	case domain.CircuitHalfOpen:
		stateColor = sl.theme.CircuitHalfOpen
	}
	styledMsg := fmt.Sprintf("%s %s is now %s", msg, pterm.Style{sl.theme.KeyRef}.Sprint(keyPrefix), pterm.Style{stateColor}.Sprint(state.String()))
	sl.logger.Warn(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// WithRequestID annotates all subsequent log lines with a request id (§7).
func (sl *StyledLogger) WithRequestID(requestID string) *StyledLogger {
	return sl.With("request_id", requestID)
}

// Helper function to convert string slice to interface slice
func toInterfaceSlice(strs []string) []interface{} {
	result := make([]interface{}, len(strs))
	for i, s := range strs {
		result[i] = s
	}
	return result
}

// NewWithTheme creates both a regular logger and a styled logger
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
