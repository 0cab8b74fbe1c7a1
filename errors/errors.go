package errors

import (
	"fmt"
	"strings"
	"time"
)

// Error is the structured error returned by envkit packages. Besides its
// code it can name the lifecycle operation that failed ("acquire",
// "release", "dispose", "register", "cancel"), the Environment involved and
// the task it concerns.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	op       string
	message  string
	cause    error
	envID    string
	taskID   string
	fields   map[string]string
	at       time.Time
}

// Error renders "op: message: cause", omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	if e.op != "" {
		b.WriteString(e.op)
		b.WriteString(": ")
	}
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }

// Op returns the lifecycle operation that failed, if recorded.
func (e *Error) Op() string { return e.op }

// EnvironmentID returns the ID of the Environment involved, if recorded.
func (e *Error) EnvironmentID() string { return e.envID }

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string { return e.taskID }

// Timestamp returns when the error was created.
func (e *Error) Timestamp() time.Time { return e.at }

// Metadata returns a copy of the error's extra fields.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same code. Package-level
// sentinels rely on this so that errors.Is matches any error carrying
// their code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// Option configures an Error at construction.
type Option func(*Error)

// WithCategory overrides the code's default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithMetadata adds a key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.fields == nil {
			e.fields = make(map[string]string)
		}
		e.fields[key] = value
	}
}

// WithOp records the lifecycle operation that failed.
func WithOp(op string) Option {
	return func(e *Error) { e.op = op }
}

// WithEnvironment records the ID of the Environment involved.
func WithEnvironment(id string) Option {
	return func(e *Error) { e.envID = id }
}

// WithTaskID records the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
		at:       time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an Error whose message is the code's description.
// Used for sentinels.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// RecoverPanic converts a value returned by recover into a PANIC error.
// A recovered error becomes the cause.
func RecoverPanic(recovered interface{}) *Error {
	switch v := recovered.(type) {
	case nil:
		return nil
	case error:
		return New(CodePanic, "panic", WithCause(v), WithMetadata("panic_type", fmt.Sprintf("%T", v)))
	default:
		return New(CodePanic, fmt.Sprint(v), WithMetadata("panic_type", fmt.Sprintf("%T", v)))
	}
}
