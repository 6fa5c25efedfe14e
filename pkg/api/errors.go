// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "fmt"

type ErrInconsistentRequestParameters struct {
	reason string
}

func (err ErrInconsistentRequestParameters) Error() string {
	return "inconsistent request parameters: " + err.reason
}

type ErrRequestNotAccepted struct {
	response string
	cause    error
}

func (err ErrRequestNotAccepted) Error() string {
	return fmt.Sprintf("request not accepted (%s): %v", err.response, err.cause)
}

func (err ErrRequestNotAccepted) Unwrap() error {
	return err.cause
}
