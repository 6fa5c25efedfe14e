// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"parallelscsi/pkg/simhba"
)

type ErrApiRequestFailed struct {
	errorMessage string
}

func (apiErr ErrApiRequestFailed) Error() string {
	return apiErr.errorMessage
}

type ErrUnexpectedResponseType struct {
	responseType string
}

func (err ErrUnexpectedResponseType) Error() string {
	return fmt.Sprintf("Unknown response type %s", err.responseType)
}

func unmarshal[T any](response *Response) (*T, error) {
	result := new(T)
	err := json.Unmarshal(response.Result, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type ClientRequester struct {
	endpoint string
	client   *http.Client
}

// NewApiRequester talks to the daemon over its unix socket. The host part of
// the URL is ignored by the dialer.
func NewApiRequester(socketPath string) ClientRequester {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return ClientRequester{
		endpoint: "http://parallelscsi" + apiPath,
		client:   &http.Client{Transport: transport},
	}
}

// NewHttpRequester talks to an API served at a regular URL, tests use it with
// httptest servers.
func NewHttpRequester(baseUrl string, client *http.Client) ClientRequester {
	return ClientRequester{endpoint: baseUrl + apiPath, client: client}
}

func (api ClientRequester) post(data []byte) ([]byte, error) {
	httpResponse, err := api.client.Post(api.endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode != http.StatusOK {
		return nil, &ErrApiRequestFailed{errorMessage: httpResponse.Status}
	}
	return io.ReadAll(httpResponse.Body)
}

func (api ClientRequester) request(request Request) (*Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	responseBytes, err := api.post(data)
	if err != nil {
		return nil, err
	}
	response := &Response{}
	err = json.Unmarshal(responseBytes, response)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, &ErrApiRequestFailed{errorMessage: response.Error}
	}
	return response, nil
}

func specificRequest[ReqType, RespType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) (*RespType, error) {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != typeName {
		return nil, &ErrUnexpectedResponseType{responseType: response.Type}
	}
	return unmarshal[RespType](response)
}

func emptyResponseRequest[ReqType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) error {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return err
	}
	if response.Type != TypeEmptyResponse {
		return &ErrUnexpectedResponseType{responseType: response.Type}
	}
	return nil
}

type emptyCommand struct{}

func (api ClientRequester) PerformList() (*ListResponse, error) {
	return specificRequest[emptyCommand, ListResponse](api, emptyCommand{}, TypeList)
}

func (api ClientRequester) PerformStats() (*StatsResponse, error) {
	return specificRequest[emptyCommand, StatsResponse](api, emptyCommand{}, TypeStats)
}

func (api ClientRequester) PerformAddDevice(targetId int) error {
	return emptyResponseRequest(api, AddDeviceRequest{TargetId: targetId}, TypeAddDevice)
}

func (api ClientRequester) PerformRemoveDevice(targetId int) error {
	return emptyResponseRequest(api, RemoveDeviceRequest{TargetId: targetId}, TypeRemoveDevice)
}

func (api ClientRequester) PerformSubmit(command SubmitRequest) (*SubmitResponse, error) {
	return specificRequest[SubmitRequest, SubmitResponse](api, command, TypeSubmit)
}

func (api ClientRequester) PerformSetScript(targetId int, script simhba.Script) error {
	return emptyResponseRequest(api, ScriptRequest{TargetId: targetId, Script: script}, TypeScript)
}

func (api ClientRequester) PerformSuspend() error {
	return emptyResponseRequest(api, emptyCommand{}, TypeSuspend)
}

func (api ClientRequester) PerformResume() error {
	return emptyResponseRequest(api, emptyCommand{}, TypeResume)
}
