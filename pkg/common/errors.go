// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"fmt"
	"runtime"
)

// ReRaisableError chains a lower level failure with the error raised on top of
// it, keeping the call site of every hop in the message.
type ReRaisableError struct {
	message      string
	currentError error
	base         error
}

func (err *ReRaisableError) Error() string {
	if err.base == nil {
		return err.message
	}
	return err.base.Error() + "\n" + err.message
}

// Unwrap exposes both links of the chain to errors.Is and errors.As.
func (err *ReRaisableError) Unwrap() []error {
	result := make([]error, 0, 2)
	if err.currentError != nil {
		result = append(result, err.currentError)
	}
	if err.base != nil {
		result = append(result, err.base)
	}
	return result
}

type LineNumberedError interface {
	Error() string
	TraceInfo() string
}

func RaiseFrom(base error, current error) *ReRaisableError {
	var message string
	if lineNumberedError, ok := current.(LineNumberedError); ok {
		message = lineNumberedError.Error() + " " + lineNumberedError.TraceInfo()
	} else {
		message = current.Error() + " " + traceInfo(2)
	}
	return &ReRaisableError{
		base:         base,
		message:      message,
		currentError: current,
	}
}

// GetTraceInfo describes the caller of the function that invoked it.
func GetTraceInfo() string {
	return traceInfo(3)
}

func traceInfo(skip int) string {
	pc, fileName, fileLine, ok := runtime.Caller(skip)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		return fmt.Sprintf("func %s() at %s:%d", details.Name(), fileName, fileLine)
	}
	return ""
}
