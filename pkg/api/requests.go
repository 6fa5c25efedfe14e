// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"parallelscsi/pkg/simhba"
)

const (
	TypeEmptyResponse = "EMPTY"
	TypeList          = "LIST"
	TypeStats         = "STATS"
	TypeAddDevice     = "ADDDEVICE"
	TypeRemoveDevice  = "REMOVEDEVICE"
	TypeSubmit        = "SUBMIT"
	TypeSuspend       = "SUSPEND"
	TypeResume        = "RESUME"
	TypeScript        = "SCRIPT"
)

type Request struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type AddDeviceRequest struct {
	TargetId int `json:"target_id"`
}

type RemoveDeviceRequest struct {
	TargetId int `json:"target_id"`
}

type SubmitRequest struct {
	TargetId int    `json:"target_id"`
	Lun      uint64 `json:"lun"`
	// Cdb and DataOut are hex encoded.
	Cdb       string `json:"cdb"`
	DataOut   string `json:"data_out"`
	TimeoutMs int64  `json:"timeout_ms"`
	Tagged    bool   `json:"tagged"`
	Tag       uint64 `json:"tag"`
}

type ScriptRequest struct {
	TargetId int           `json:"target_id"`
	Script   simhba.Script `json:"script"`
}

func ParseRequest(data []byte) (*Request, error) {
	request := &Request{}
	err := json.Unmarshal(data, request)
	if err != nil {
		return nil, err
	}
	return request, nil
}
