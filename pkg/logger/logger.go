package logger

// Field is a single structured key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Logger is the logging surface handed to every component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child logger that writes fields on every line.
	With(fields ...Field) Logger
}

// Err is shorthand for an "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Nop discards everything. Useful in tests.
type Nop struct{}

func (Nop) Debug(string, ...Field) {}
func (Nop) Info(string, ...Field)  {}
func (Nop) Warn(string, ...Field)  {}
func (Nop) Error(string, ...Field) {}
func (n Nop) With(...Field) Logger { return n }
