package errors

// ErrorCode identifies a failure class. Callers branch on codes, not on
// message text.
type ErrorCode string

// Error is a coded error. Data carries the detail a caller may act on,
// such as the failing fan, the socket path or an IPC reason.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
	// Is matches a bare Error of the same code anywhere in a chain.
	Is(target error) bool
}

// Factory builds coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
