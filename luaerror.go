// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ErrorKind classifies errors raised by the interpreter.
type ErrorKind int

const (
	// ErrorRuntime is an error raised while running Lua code.
	ErrorRuntime ErrorKind = iota
	// ErrorSyntax is a compilation error.
	ErrorSyntax
	// ErrorFile is a failure to load a script file.
	ErrorFile
	// ErrorHandler is an error raised by an error handler.
	ErrorHandler
	// ErrorPanic is a Go panic, recovered by the interpreter.
	ErrorPanic
	// ErrorUnknown is any other error code.
	ErrorUnknown
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRuntime:
		return "runtime"
	case ErrorSyntax:
		return "syntax"
	case ErrorFile:
		return "file"
	case ErrorHandler:
		return "error handler"
	case ErrorPanic:
		return "panic"
	case ErrorUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// LuaError is an error raised by the interpreter.
type LuaError struct {
	Cause      error
	Message    string
	StackTrace string
	Kind       ErrorKind
}

// Error implements the error interface.
func (e *LuaError) Error() string {
	if e.Message == "" {
		return "lua " + e.Kind.String() + " error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *LuaError) Unwrap() error {
	return e.Cause
}

// wrapLuaError converts errors returned (or panicked) by gopher-lua into a
// *LuaError. Other errors, including nil, are returned as-is.
func wrapLuaError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	e := LuaError{
		Cause:      err,
		StackTrace: apiErr.StackTrace,
	}
	if apiErr.Object != nil {
		e.Message = apiErr.Object.String()
	}
	switch apiErr.Type {
	case lua.ApiErrorRun:
		e.Kind = ErrorRuntime
	case lua.ApiErrorSyntax:
		e.Kind = ErrorSyntax
	case lua.ApiErrorFile:
		e.Kind = ErrorFile
	case lua.ApiErrorError:
		e.Kind = ErrorHandler
	case lua.ApiErrorPanic:
		e.Kind = ErrorPanic
	default:
		e.Kind = ErrorUnknown
	}
	return &e
}
