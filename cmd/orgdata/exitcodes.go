package main

import (
	"errors"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitValidation = 2
	exitUsage      = 3
	exitDB         = 4
	exitDBWrite    = 5
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// codeFor picks the exit code for err. Errors that already carry a code
// keep it; unrecognized errors get fallback.
func codeFor(err error, fallback int) int {
	var ce *cliError
	switch {
	case errors.As(err, &ce):
		return ce.code
	case errors.Is(err, core.ErrUnknownEntityKind),
		errors.Is(err, core.ErrUnknownStrategy),
		errors.Is(err, core.ErrUnsupportedOperation),
		errors.Is(err, core.ErrInvalidFilter),
		errors.Is(err, core.ErrTransactionExists),
		errors.Is(err, codec.ErrUnknownFormat),
		errors.Is(err, codec.ErrSingleKind):
		return exitUsage
	case errors.Is(err, codec.ErrInputTooLarge):
		return exitValidation
	case errors.Is(err, core.ErrTooManyOperations):
		return exitDB
	default:
		return fallback
	}
}

func coded(err error, fallback int) error {
	return withCode(codeFor(err, fallback), err)
}

// resultCode classifies a failed run: system errors mean the store
// refused the writes, anything else is a problem with the input.
func resultCode(res *core.OperationResult) int {
	for _, e := range res.Errors {
		if e.ErrorKind == core.ErrKindSystem {
			return exitDBWrite
		}
	}
	return exitValidation
}
