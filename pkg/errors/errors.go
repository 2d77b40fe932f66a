package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

type DirectiveError interface {
	// Error returns a user-facing string explaining the error
	Error() string

	// Directive returns a user-facing string explaining how to overcome the error
	Directive() string
}

type ErrorReporter interface {
	Setup() func()
	Flush()
	ReportMessage(string) string
	ReportError(error) string
	AddTag(key string, value string)
}

// GetErrorReporter returns a Sentry reporter when a DSN is configured and a
// no-op reporter otherwise.
func GetErrorReporter(dsn string, release string) ErrorReporter {
	if dsn == "" {
		return NoopErrorReporter{}
	}
	return SentryErrorReporter{DSN: dsn, Release: release}
}

type SentryErrorReporter struct {
	DSN     string
	Release string
}

var _ ErrorReporter = SentryErrorReporter{}

func (s SentryErrorReporter) Setup() func() {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     s.DSN,
		Release: s.Release,
	})
	if err != nil {
		fmt.Println(err)
	}
	return func() {
		err := recover()
		if err != nil {
			sentry.CurrentHub().Recover(err)
			sentry.Flush(time.Second * 5)
			panic(err)
		}
		sentry.Flush(2 * time.Second)
	}
}

func (s SentryErrorReporter) Flush() {
	sentry.Flush(time.Second * 2)
}

func (s SentryErrorReporter) ReportMessage(msg string) string {
	event := sentry.CaptureMessage(msg)
	if event != nil {
		return string(*event)
	}
	return ""
}

func (s SentryErrorReporter) ReportError(e error) string {
	event := sentry.CaptureException(e)
	if event != nil {
		return string(*event)
	}
	return ""
}

func (s SentryErrorReporter) AddTag(key string, value string) {
	scope := sentry.CurrentHub().Scope()
	scope.SetTag(key, value)
}

type NoopErrorReporter struct{}

var _ ErrorReporter = NoopErrorReporter{}

func (NoopErrorReporter) Setup() func() { return func() {} }

func (NoopErrorReporter) Flush() {}

func (NoopErrorReporter) ReportMessage(string) string { return "" }

func (NoopErrorReporter) ReportError(error) string { return "" }

func (NoopErrorReporter) AddTag(string, string) {}

type ValidationError struct {
	Message string
}

func NewValidationError(message string) ValidationError {
	return ValidationError{Message: message}
}

var _ error = ValidationError{}

func (v ValidationError) Error() string {
	return v.Message
}

func WrapAndTrace(err error, messages ...string) error {
	message := ""
	for _, m := range messages {
		message += fmt.Sprintf(" %s", m)
	}
	return errors.Wrap(err, MakeErrorMessage(message))
}

func MakeErrorMessage(message string) string {
	_, fn, line, _ := runtime.Caller(2)
	return fmt.Sprintf("[error] %s:%d %s\n\t", fn, line, message)
}

func New(message string) error {
	return stderrors.New(message)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

// Wrap prefixes err with message. Unwrap returns err.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Unwraps returns the members of a joined error, or nil.
func Unwraps(err error) []error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		return u.Unwrap()
	}
	return nil
}

// Root walks the wrap chain to the innermost error. Joined errors are
// rebuilt from the roots of their members.
func Root(err error) error {
	if errs := Unwraps(err); len(errs) > 0 {
		roots := make([]error, 0, len(errs))
		for _, e := range errs {
			roots = append(roots, Root(e))
		}
		return Join(roots...)
	}
	if next := Unwrap(err); next != nil {
		return Root(next)
	}
	return err
}

// CombineByString flattens joined errors and drops members whose message
// was already seen.
func CombineByString(err error) error {
	seen := map[string]bool{}
	var out []error
	var walk func(error)
	walk = func(e error) {
		if errs := Unwraps(e); len(errs) > 0 {
			for _, inner := range errs {
				walk(inner)
			}
			return
		}
		if e == nil || seen[e.Error()] {
			return
		}
		seen[e.Error()] = true
		out = append(out, e)
	}
	walk(err)
	return Join(out...)
}

var NetworkErrorMessage = "possible network problem reaching the remote host"
