// Package plugins holds the error taxonomy shared by the plugin runtime packages.
package plugins

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind string

const (
	KindInvalidRequestBody Kind = "invalid_request_body"
	KindInvalidManifest    Kind = "invalid_manifest"
	KindInvalidName        Kind = "invalid_name"
	KindAlreadyInstalled   Kind = "already_installed"
	KindNotFound           Kind = "not_found"
	KindPrincipalNotFound  Kind = "principal_not_found"
	KindSourceFetchError   Kind = "source_fetch_error"
	KindInitFailed         Kind = "init_failed"
	KindConfigNotSupported Kind = "config_not_supported"
	KindUnknownConfigKey   Kind = "unknown_config_key"
	KindSpawnFailed        Kind = "spawn_failed"
	KindNonZeroExit        Kind = "non_zero_exit"
	KindExecutionTimeout   Kind = "execution_timeout"
	KindBusy               Kind = "busy"
	KindInternal           Kind = "internal"
)

// Error implements error so a Kind can be the target of errors.Is.
func (k Kind) Error() string { return string(k) }

// Error is a classified failure. Msg is safe to show to callers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping msg as the caller-facing text.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the Kind of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
