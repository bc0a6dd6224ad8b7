// Package fault is the single error taxonomy shared by the meter and the
// Modbus slave. Every failed operation is represented as an *Error carrying a
// numeric code and a context message; the severity is derived from the code,
// not stored. Callers never branch on the error themselves: they pass it to
// Classify and dispatch on the returned Action.
package fault

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

type Severity int

const (
	// Transient errors close the affected resource and retry with backoff.
	Transient Severity = iota
	// Fatal errors trigger a process-wide shutdown.
	Fatal
	// Shutdown marks errors synthesized because the process is stopping.
	Shutdown
)

// Action is the verdict of the central classifier.
type Action int

const (
	ActionNone Action = iota
	ActionReconnect
	ActionShutdown
)

type Error struct {
	Code syscall.Errno
	Op   string
	Msg  string

	// set for errors originating in the modbus library
	modbusErr error
	// forces Shutdown severity regardless of code
	shutdown bool
}

func (e *Error) Error() string {
	if e.modbusErr != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.modbusErr)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s: %v (code %d)", e.Op, e.Msg, e.Code, int(e.Code))
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	if e.modbusErr != nil {
		return e.modbusErr
	}
	if e.Code != 0 {
		return e.Code
	}
	return nil
}

// Severity classifies the error by its code.
func (e *Error) Severity() Severity {
	if e.shutdown {
		return Shutdown
	}
	if e.modbusErr != nil && fatalModbus(e.modbusErr) {
		return Fatal
	}
	switch e.Code {
	case syscall.EINVAL, syscall.ENOMEM, syscall.ENOENT, syscall.ENODEV,
		syscall.EACCES, syscall.EPERM, syscall.EBADF, syscall.EIO,
		syscall.EBUSY, syscall.EMFILE, syscall.ENFILE:
		return Fatal
	case syscall.EINTR:
		return Shutdown
	default:
		return Transient
	}
}

// Code builds an error with an explicit errno-style code.
func Code(code syscall.Errno, op, msg string) *Error {
	return &Error{Code: code, Op: op, Msg: msg}
}

// Errno wraps a system-call error, preserving its errno when one is present.
func Errno(op, msg string, err error) *Error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Code: errno, Op: op, Msg: msg}
	}
	// no errno to classify on: stays transient
	return &Error{Op: op, Msg: fmt.Sprintf("%s: %v", msg, err)}
}

// Modbus wraps an error returned by the modbus library.
func Modbus(op, msg string, err error) *Error {
	return &Error{Op: op, Msg: msg, modbusErr: err}
}

// Stop builds the error used when an operation observes the shutdown flag.
func Stop(op string) *Error {
	return &Error{Code: syscall.EINTR, Op: op, Msg: "shutdown in progress", shutdown: true}
}

func fatalModbus(err error) bool {
	return errors.Is(err, modbus.ErrIllegalFunction) ||
		errors.Is(err, modbus.ErrIllegalDataAddress) ||
		errors.Is(err, modbus.ErrIllegalDataValue) ||
		errors.Is(err, modbus.ErrServerDeviceFailure) ||
		errors.Is(err, modbus.ErrGWTargetFailedToRespond) ||
		errors.Is(err, modbus.ErrConfigurationError)
}

// Shutdowner is the slice of the lifecycle handler the classifier needs.
type Shutdowner interface {
	Shutdown()
}

// Classify logs err according to its severity, requests process shutdown on
// fatal errors, and tells the caller what to do next. A nil err yields
// ActionNone.
func Classify(log *zap.Logger, lc Shutdowner, err error) Action {
	if err == nil {
		return ActionNone
	}

	var fe *Error
	if !errors.As(err, &fe) {
		// unclassified errors are treated as transient
		log.Warn("transient error", zap.Error(err))
		return ActionReconnect
	}

	switch fe.Severity() {
	case Fatal:
		log.Error("fatal error", zap.Error(fe))
		lc.Shutdown()
		return ActionShutdown
	case Shutdown:
		log.Debug("operation cancelled by shutdown", zap.String("op", fe.Op))
		return ActionShutdown
	default:
		log.Warn("transient error", zap.Error(fe))
		return ActionReconnect
	}
}
