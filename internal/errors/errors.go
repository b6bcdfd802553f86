package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess          Code = 0
	CodeInternal         Code = 1
	CodeUsage            Code = 2
	CodeUnavailable      Code = 12
	CodeStartup          Code = 20
	CodeDeploy           Code = 21
	CodeArtifactNotFound Code = 22
	CodeRPC              Code = 23
	CodeRevert           Code = 24
	CodeSigner           Code = 25
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var target *Error
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Cause
	}
	return false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// Stage names the environment lifecycle stage an error code originates from.
func Stage(code Code) string {
	switch code {
	case CodeStartup:
		return "start"
	case CodeDeploy:
		return "deploy"
	case CodeArtifactNotFound:
		return "resolve"
	case CodeRPC, CodeRevert, CodeSigner, CodeUnavailable:
		return "runtime"
	case CodeUsage:
		return "usage"
	default:
		return "internal"
	}
}

// Type is the envelope error type string for a code.
func Type(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeUnavailable:
		return "upstream_unavailable"
	case CodeStartup:
		return "startup_failed"
	case CodeDeploy:
		return "deployment_failed"
	case CodeArtifactNotFound:
		return "artifact_not_found"
	case CodeRPC:
		return "rpc_error"
	case CodeRevert:
		return "transaction_reverted"
	case CodeSigner:
		return "signer_error"
	default:
		return "internal_error"
	}
}
