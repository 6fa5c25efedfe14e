// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"parallelscsi/pkg/parallel"
	"parallelscsi/pkg/scsi"
	"parallelscsi/pkg/simhba"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

const (
	DefaultSubmitTimeout = 5 * time.Second
	// MaxTransferLength bounds the data buffer of one submitted command.
	MaxTransferLength = 16 << 20
)

type completion struct {
	response scsi.ServiceResponse
	status   scsi.TaskStatus
}

// Completer hands completions of requests submitted through the API back to
// the waiting handler. Requests from other clients are ignored.
func Completer() parallel.Completer {
	return parallel.CompleterFunc(func(
		request *parallel.Request,
		response scsi.ServiceResponse,
		status scsi.TaskStatus,
	) {
		if waiter, ok := request.Context.(chan completion); ok {
			waiter <- completion{response: response, status: status}
		}
	})
}

type DemonApiHandler struct {
	controller *parallel.Controller
	adapter    *simhba.Adapter
	apiLock    sync.Mutex
}

func NewApiHandler(controller *parallel.Controller, adapter *simhba.Adapter) *DemonApiHandler {
	return &DemonApiHandler{controller: controller, adapter: adapter}
}

func (handler *DemonApiHandler) ListDevices() ListResponse {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	response := ListResponse{}
	for _, device := range handler.controller.Devices() {
		representation := DeviceRepresentation{
			TargetId:    int(device.ID()),
			Present:     handler.adapter.Unit(device.ID()) != nil,
			Outstanding: device.OutstandingCount(),
			Resend:      device.ResendCount(),
		}
		for feature := parallel.Feature(0); feature < parallel.FeatureCount; feature += 1 {
			if device.FeatureNegotiated(feature) {
				representation.Negotiated = append(representation.Negotiated, feature.String())
			}
		}
		response = append(response, representation)
	}
	return response
}

func (handler *DemonApiHandler) Stats() StatsResponse {
	response := StatsResponse{
		ControllerId: handler.controller.ID().String(),
		DomainId:     handler.controller.DomainID(),
		Accepting:    handler.controller.IsAcceptingRequests(),
		Devices:      len(handler.controller.Devices()),
		Pending:      handler.adapter.Pending(),
	}
	if pool := handler.controller.Pool(); pool != nil {
		response.PoolCapacity = pool.Capacity()
		response.PoolFree = pool.Free()
	}
	return response
}

func (handler *DemonApiHandler) AddDevice(request AddDeviceRequest) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.controller.CreateDevice(parallel.TargetID(request.TargetId))
}

func (handler *DemonApiHandler) RemoveDevice(ctx context.Context, request RemoveDeviceRequest) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.controller.DestroyDevice(ctx, parallel.TargetID(request.TargetId))
}

func (handler *DemonApiHandler) SetScript(request ScriptRequest) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	target := parallel.TargetID(request.TargetId)
	if handler.controller.Device(target) == nil {
		return fmt.Errorf("%w: %d", parallel.ErrDeviceNotFound, target)
	}
	handler.adapter.SetScript(target, request.Script)
	return nil
}

func (handler *DemonApiHandler) dataBuffer(cdb []byte, dataOut []byte) ([]byte, error) {
	length := scsi.TransferLength(cdb, handler.adapter.BlockSize())
	if length > MaxTransferLength {
		return nil, ErrInconsistentRequestParameters{
			reason: fmt.Sprintf("command transfers %d bytes, at most %d allowed", length, MaxTransferLength),
		}
	}
	if scsi.Direction(cdb) == scsi.DataWrite {
		if uint64(len(dataOut)) < length {
			return nil, ErrInconsistentRequestParameters{
				reason: fmt.Sprintf("command writes %d bytes, %d given", length, len(dataOut)),
			}
		}
		return dataOut, nil
	}
	if len(dataOut) > 0 {
		return nil, ErrInconsistentRequestParameters{reason: "data given for a command without data out phase"}
	}
	return make([]byte, length), nil
}

// Submit sends one command and waits for its completion. It does not hold
// the API lock, so several submits may be in flight at once.
func (handler *DemonApiHandler) Submit(ctx context.Context, command SubmitRequest) (*SubmitResponse, error) {
	cdb, err := hex.DecodeString(command.Cdb)
	if err != nil {
		return nil, ErrInconsistentRequestParameters{reason: fmt.Sprintf("cdb: %v", err)}
	}
	dataOut, err := hex.DecodeString(command.DataOut)
	if err != nil {
		return nil, ErrInconsistentRequestParameters{reason: fmt.Sprintf("data out: %v", err)}
	}
	buffer, err := handler.dataBuffer(cdb, dataOut)
	if err != nil {
		return nil, err
	}
	timeout := DefaultSubmitTimeout
	if command.TimeoutMs > 0 {
		timeout = time.Duration(command.TimeoutMs) * time.Millisecond
	}
	tag := parallel.UntaggedTag
	if command.Tagged {
		tag = parallel.TaskTag(command.Tag)
	}
	waiter := make(chan completion, 1)
	request := &parallel.Request{
		ID:          uuid.NewV1(),
		Target:      parallel.TargetID(command.TargetId),
		LUN:         command.Lun,
		Tag:         tag,
		Attribute:   scsi.TaskSimple,
		CDB:         cdb,
		Direction:   scsi.Direction(cdb),
		Buffer:      buffer,
		Timeout:     timeout,
		SenseBuffer: make([]byte, scsi.FixedSenseLength),
		Context:     waiter,
	}
	response, err := handler.controller.Submit(ctx, request, true)
	if response != scsi.ServiceResponseRequestInProcess {
		return nil, ErrRequestNotAccepted{response: response.String(), cause: err}
	}
	select {
	case done := <-waiter:
		result := &SubmitResponse{
			RequestId:       request.ID.String(),
			ServiceResponse: done.response.String(),
			Status:          done.status.String(),
			Realized:        request.RealizedTransferCount,
		}
		if request.SenseLength > 0 {
			result.Sense = hex.EncodeToString(request.SenseBuffer[:request.SenseLength])
		}
		if request.Direction == scsi.DataRead {
			realized := min(request.RealizedTransferCount, uint64(len(buffer)))
			result.DataIn = hex.EncodeToString(buffer[:realized])
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decode[T any](request *Request) (*T, error) {
	command := new(T)
	if err := json.Unmarshal(request.Command, command); err != nil {
		return nil, err
	}
	return command, nil
}

func resultResponse(typeName string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Type: typeName, Result: data}
}

func (handler *DemonApiHandler) HandleRequest(ctx context.Context, request *Request) Response {
	switch request.Type {
	case TypeList:
		return resultResponse(TypeList, handler.ListDevices())
	case TypeStats:
		return resultResponse(TypeStats, handler.Stats())
	case TypeAddDevice:
		command, err := decode[AddDeviceRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.AddDevice(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeRemoveDevice:
		command, err := decode[RemoveDeviceRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.RemoveDevice(ctx, *command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeSubmit:
		command, err := decode[SubmitRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.Submit(ctx, *command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(TypeSubmit, result)
	case TypeScript:
		command, err := decode[ScriptRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.SetScript(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeSuspend:
		handler.controller.Suspend()
		return emptyResponse()
	case TypeResume:
		handler.controller.Resume()
		return emptyResponse()
	default:
		return ErrorResponse(fmt.Errorf("unknown request type %s", request.Type))
	}
}

func emptyResponse() Response {
	return Response{Error: "", Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}

func ErrorResponse(err error) Response {
	return Response{Error: err.Error(), Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}
