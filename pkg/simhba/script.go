// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

// Script makes a target misbehave for its next commands. Counters are
// consumed one per command in field order: a rejected command does not use
// up a queue full.
type Script struct {
	// Reject refuses the command synchronously as if selection failed.
	Reject int `json:"reject"`
	// Drop accepts the command and never completes it.
	Drop int `json:"drop"`
	// QueueFull completes the command with TASK SET FULL.
	QueueFull int `json:"queue_full"`
	// Busy completes the command with BUSY.
	Busy int `json:"busy"`
}

type action int

const (
	actionExecute action = iota
	actionReject
	actionDrop
	actionQueueFull
	actionBusy
)

func (script *Script) next() action {
	switch {
	case script.Reject > 0:
		script.Reject -= 1
		return actionReject
	case script.Drop > 0:
		script.Drop -= 1
		return actionDrop
	case script.QueueFull > 0:
		script.QueueFull -= 1
		return actionQueueFull
	case script.Busy > 0:
		script.Busy -= 1
		return actionBusy
	}
	return actionExecute
}
