// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Response struct {
	Type   string          `json:"type"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

type DeviceRepresentation struct {
	TargetId    int      `json:"target_id"`
	Present     bool     `json:"present"`
	Outstanding int      `json:"outstanding"`
	Resend      int      `json:"resend"`
	Negotiated  []string `json:"negotiated"`
}

type ListResponse []DeviceRepresentation

func (response ListResponse) ToCmdlineOutput() string {
	if len(response) == 0 {
		return "No target devices"
	}
	result := "Listed target devices: \n"
	for _, device := range response {
		result += fmt.Sprintf("  Target ID: %d\n", device.TargetId)
		result += fmt.Sprintf("    Present: %t\n", device.Present)
		result += fmt.Sprintf("    Outstanding tasks: %d\n", device.Outstanding)
		result += fmt.Sprintf("    Tasks to resend: %d\n", device.Resend)
		if len(device.Negotiated) > 0 {
			result += fmt.Sprintf("    Negotiated: %s\n", strings.Join(device.Negotiated, ", "))
		}
	}
	return result
}

type StatsResponse struct {
	ControllerId string `json:"controller_id"`
	DomainId     uint64 `json:"domain_id"`
	Accepting    bool   `json:"accepting"`
	PoolCapacity int    `json:"pool_capacity"`
	PoolFree     int    `json:"pool_free"`
	Devices      int    `json:"devices"`
	Pending      int    `json:"pending"`
}

func (response StatsResponse) ToCmdlineOutput() string {
	return fmt.Sprintf(
		"Controller %s (domain %d)\n"+
			"  Accepting requests: %t\n"+
			"  Parallel tasks: %d free of %d\n"+
			"  Target devices: %d\n"+
			"  Completions pending on the adapter: %d",
		response.ControllerId,
		response.DomainId,
		response.Accepting,
		response.PoolFree,
		response.PoolCapacity,
		response.Devices,
		response.Pending,
	)
}

type SubmitResponse struct {
	RequestId       string `json:"request_id"`
	ServiceResponse string `json:"service_response"`
	Status          string `json:"status"`
	Realized        uint64 `json:"realized"`
	Sense           string `json:"sense"`
	DataIn          string `json:"data_in"`
}

func (response SubmitResponse) ToCmdlineOutput() string {
	result := fmt.Sprintf(
		"Request %s: %s, status %s, %d bytes transferred",
		response.RequestId,
		response.ServiceResponse,
		response.Status,
		response.Realized,
	)
	if response.Sense != "" {
		result += fmt.Sprintf("\n  Sense: %s", response.Sense)
	}
	if response.DataIn != "" {
		result += fmt.Sprintf("\n  Data: %s", response.DataIn)
	}
	return result
}
