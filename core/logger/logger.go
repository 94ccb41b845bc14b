package logger

// Logger exposes logging methods for common severity levels.
type Logger interface {
	Debugf(format string, args ...any)
	// Debugw logs a message with structured fields.
	Debugw(msg string, fields map[string]any)
	Infof(format string, args ...any)
	// Infow logs a message with structured fields.
	Infow(msg string, fields map[string]any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// With returns a child logger carrying the given fields on every entry.
	With(fields map[string]any) Logger
}

type nop struct{}

func (nop) Debugf(string, ...any)         {}
func (nop) Debugw(string, map[string]any) {}
func (nop) Infof(string, ...any)          {}
func (nop) Infow(string, map[string]any)  {}
func (nop) Warnf(string, ...any)          {}
func (nop) Errorf(string, ...any)         {}
func (n nop) With(map[string]any) Logger  { return n }

// Nop returns a Logger discarding every entry. Core packages fall back to it
// when no logger is injected.
func Nop() Logger { return nop{} }
