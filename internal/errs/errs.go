// Package errs defines the error kinds the orchestrator's pipeline
// branches on. Only errors of kind KindStoreFatal (built with
// StoreFatal) are allowed to propagate out of the Supervisor.
package errs

import "errors"

// Kind classifies an error for pipeline handling purposes.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindRemoteBusiness   Kind = "remote_business"
	KindSessionInvalid   Kind = "session_invalid"
	KindPlatformIrrelevant Kind = "platform_irrelevant"
	KindRuleMiss         Kind = "rule_miss"
	KindStoreFatal       Kind = "store_fatal"
	KindProgrammerError  Kind = "programmer_error"
)

// Error wraps an underlying error with a classification.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func TransientNetwork(msg string, err error) error { return New(KindTransientNetwork, msg, err) }
func RemoteBusiness(msg string, err error) error   { return New(KindRemoteBusiness, msg, err) }
func SessionInvalid(msg string, err error) error   { return New(KindSessionInvalid, msg, err) }
func PlatformIrrelevant(msg string) error          { return New(KindPlatformIrrelevant, msg, nil) }
func RuleMiss(msg string) error                    { return New(KindRuleMiss, msg, nil) }
func StoreFatal(msg string, err error) error        { return New(KindStoreFatal, msg, err) }
func ProgrammerError(msg string, err error) error   { return New(KindProgrammerError, msg, err) }

// ReportFatal sends err to ch if it classifies as StoreFatal, the only
// kind allowed to propagate out of Supervisor. It never blocks: ch may
// be nil (tests), and a slot already holding a pending fatal error is
// left alone rather than blocking the caller.
func ReportFatal(ch chan<- error, err error) {
	if ch == nil || !Is(err, KindStoreFatal) {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
