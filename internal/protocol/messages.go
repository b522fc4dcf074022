// Package protocol defines the messages exchanged between the host
// orchestrator and the worker over the bidirectional event stream, and the
// transports that carry them.
//
// Every frame is a StreamingMessage with exactly one payload field set.
// Request/response pairs are correlated by an id carried inside the payload
// (invocation_id, function_id) rather than by position on the stream.
package protocol

import "fmt"

// Kind names the payload carried by a StreamingMessage.
type Kind string

const (
	KindStartStream                        Kind = "start_stream"
	KindWorkerInitRequest                  Kind = "worker_init_request"
	KindWorkerInitResponse                 Kind = "worker_init_response"
	KindWorkerStatusRequest                Kind = "worker_status_request"
	KindWorkerStatusResponse               Kind = "worker_status_response"
	KindWorkerTerminate                    Kind = "worker_terminate"
	KindFunctionsMetadataRequest           Kind = "functions_metadata_request"
	KindFunctionMetadataResponse           Kind = "function_metadata_response"
	KindFunctionLoadRequest                Kind = "function_load_request"
	KindFunctionLoadResponse               Kind = "function_load_response"
	KindInvocationRequest                  Kind = "invocation_request"
	KindInvocationResponse                 Kind = "invocation_response"
	KindInvocationCancel                   Kind = "invocation_cancel"
	KindFunctionEnvironmentReloadRequest   Kind = "function_environment_reload_request"
	KindFunctionEnvironmentReloadResponse  Kind = "function_environment_reload_response"
	KindCloseSharedMemoryResourcesRequest  Kind = "close_shared_memory_resources_request"
	KindCloseSharedMemoryResourcesResponse Kind = "close_shared_memory_resources_response"
	KindRpcLog                             Kind = "rpc_log"
)

// StreamingMessage is the envelope for every frame on the stream.
type StreamingMessage struct {
	RequestID string `json:"request_id,omitempty"`

	StartStream                        *StartStream                        `json:"start_stream,omitempty"`
	WorkerInitRequest                  *WorkerInitRequest                  `json:"worker_init_request,omitempty"`
	WorkerInitResponse                 *WorkerInitResponse                 `json:"worker_init_response,omitempty"`
	WorkerStatusRequest                *WorkerStatusRequest                `json:"worker_status_request,omitempty"`
	WorkerStatusResponse               *WorkerStatusResponse               `json:"worker_status_response,omitempty"`
	WorkerTerminate                    *WorkerTerminate                    `json:"worker_terminate,omitempty"`
	FunctionsMetadataRequest           *FunctionsMetadataRequest           `json:"functions_metadata_request,omitempty"`
	FunctionMetadataResponse           *FunctionMetadataResponse           `json:"function_metadata_response,omitempty"`
	FunctionLoadRequest                *FunctionLoadRequest                `json:"function_load_request,omitempty"`
	FunctionLoadResponse               *FunctionLoadResponse               `json:"function_load_response,omitempty"`
	InvocationRequest                  *InvocationRequest                  `json:"invocation_request,omitempty"`
	InvocationResponse                 *InvocationResponse                 `json:"invocation_response,omitempty"`
	InvocationCancel                   *InvocationCancel                   `json:"invocation_cancel,omitempty"`
	FunctionEnvironmentReloadRequest   *FunctionEnvironmentReloadRequest   `json:"function_environment_reload_request,omitempty"`
	FunctionEnvironmentReloadResponse  *FunctionEnvironmentReloadResponse  `json:"function_environment_reload_response,omitempty"`
	CloseSharedMemoryResourcesRequest  *CloseSharedMemoryResourcesRequest  `json:"close_shared_memory_resources_request,omitempty"`
	CloseSharedMemoryResourcesResponse *CloseSharedMemoryResourcesResponse `json:"close_shared_memory_resources_response,omitempty"`
	RpcLog                             *RpcLog                             `json:"rpc_log,omitempty"`
}

// Kind reports which payload the message carries. A message with no payload
// or with more than one payload is malformed.
func (m *StreamingMessage) Kind() (Kind, error) {
	if m == nil {
		return "", fmt.Errorf("nil streaming message")
	}
	set := []struct {
		kind Kind
		ok   bool
	}{
		{KindStartStream, m.StartStream != nil},
		{KindWorkerInitRequest, m.WorkerInitRequest != nil},
		{KindWorkerInitResponse, m.WorkerInitResponse != nil},
		{KindWorkerStatusRequest, m.WorkerStatusRequest != nil},
		{KindWorkerStatusResponse, m.WorkerStatusResponse != nil},
		{KindWorkerTerminate, m.WorkerTerminate != nil},
		{KindFunctionsMetadataRequest, m.FunctionsMetadataRequest != nil},
		{KindFunctionMetadataResponse, m.FunctionMetadataResponse != nil},
		{KindFunctionLoadRequest, m.FunctionLoadRequest != nil},
		{KindFunctionLoadResponse, m.FunctionLoadResponse != nil},
		{KindInvocationRequest, m.InvocationRequest != nil},
		{KindInvocationResponse, m.InvocationResponse != nil},
		{KindInvocationCancel, m.InvocationCancel != nil},
		{KindFunctionEnvironmentReloadRequest, m.FunctionEnvironmentReloadRequest != nil},
		{KindFunctionEnvironmentReloadResponse, m.FunctionEnvironmentReloadResponse != nil},
		{KindCloseSharedMemoryResourcesRequest, m.CloseSharedMemoryResourcesRequest != nil},
		{KindCloseSharedMemoryResourcesResponse, m.CloseSharedMemoryResourcesResponse != nil},
		{KindRpcLog, m.RpcLog != nil},
	}

	var kind Kind
	n := 0
	for _, s := range set {
		if s.ok {
			kind = s.kind
			n++
		}
	}
	switch n {
	case 0:
		return "", fmt.Errorf("streaming message %q has no payload", m.RequestID)
	case 1:
		return kind, nil
	default:
		return "", fmt.Errorf("streaming message %q has %d payloads", m.RequestID, n)
	}
}

// Status is the outcome of a request.
type Status string

const (
	StatusSuccess   Status = "Success"
	StatusFailure   Status = "Failure"
	StatusCancelled Status = "Cancelled"
)

// StatusResult reports the outcome of a request. Failure always carries an
// exception.
type StatusResult struct {
	Status    Status        `json:"status"`
	Result    string        `json:"result,omitempty"`
	Exception *RpcException `json:"exception,omitempty"`
}

// RpcException is the structured form of an error sent to the host.
type RpcException struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Success returns a successful StatusResult.
func Success() *StatusResult {
	return &StatusResult{Status: StatusSuccess}
}

// Failure returns a failed StatusResult carrying the given exception.
func Failure(errType, message, stack string) *StatusResult {
	return &StatusResult{
		Status: StatusFailure,
		Exception: &RpcException{
			Type:       errType,
			Message:    message,
			StackTrace: stack,
		},
	}
}

// Cancelled returns a cancelled StatusResult.
func Cancelled(message string) *StatusResult {
	return &StatusResult{
		Status: StatusCancelled,
		Exception: &RpcException{
			Type:    "CancellationError",
			Message: message,
		},
	}
}

// ─── Lifecycle ──────────────────────────────────────────

type StartStream struct {
	WorkerID string `json:"worker_id"`
}

type WorkerInitRequest struct {
	HostVersion          string            `json:"host_version"`
	Capabilities         map[string]string `json:"capabilities,omitempty"`
	LogCategories        map[string]string `json:"log_categories,omitempty"`
	WorkerDirectory      string            `json:"worker_directory,omitempty"`
	FunctionAppDirectory string            `json:"function_app_directory,omitempty"`
}

type WorkerMetadata struct {
	RuntimeName    string `json:"runtime_name"`
	RuntimeVersion string `json:"runtime_version"`
	WorkerVersion  string `json:"worker_version"`
	WorkerBitness  string `json:"worker_bitness,omitempty"`
}

type WorkerInitResponse struct {
	WorkerVersion  string            `json:"worker_version,omitempty"`
	Capabilities   map[string]string `json:"capabilities"`
	WorkerMetadata *WorkerMetadata   `json:"worker_metadata,omitempty"`
	Result         *StatusResult     `json:"result"`
}

type WorkerStatusRequest struct{}

type WorkerStatusResponse struct{}

type WorkerTerminate struct {
	GracePeriodSeconds int64 `json:"grace_period_seconds,omitempty"`
}

type FunctionEnvironmentReloadRequest struct {
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	FunctionAppDirectory string            `json:"function_app_directory,omitempty"`
}

type FunctionEnvironmentReloadResponse struct {
	Capabilities   map[string]string `json:"capabilities,omitempty"`
	WorkerMetadata *WorkerMetadata   `json:"worker_metadata,omitempty"`
	Result         *StatusResult     `json:"result"`
}

// ─── Function metadata and load ─────────────────────────

// BindingDirection is the wire form of a binding's direction.
type BindingDirection string

const (
	DirectionIn    BindingDirection = "in"
	DirectionOut   BindingDirection = "out"
	DirectionInOut BindingDirection = "inout"
)

// BindingInfo declares one binding of a function.
type BindingInfo struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Direction  BindingDirection  `json:"direction"`
	DataType   string            `json:"data_type,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// RpcFunctionMetadata describes a function as indexed by the worker or as
// sent by the host in a load request. Bindings are kept in declaration order.
type RpcFunctionMetadata struct {
	FunctionID string         `json:"function_id,omitempty"`
	Name       string         `json:"name"`
	Directory  string         `json:"directory,omitempty"`
	ScriptFile string         `json:"script_file"`
	EntryPoint string         `json:"entry_point"`
	Bindings   []*BindingInfo `json:"bindings"`
	IsProxy    bool           `json:"is_proxy,omitempty"`
	Status     *StatusResult  `json:"status,omitempty"`
}

type FunctionsMetadataRequest struct {
	FunctionAppDirectory string `json:"function_app_directory,omitempty"`
}

type FunctionMetadataResponse struct {
	FunctionMetadataResults []*RpcFunctionMetadata `json:"function_metadata_results"`
	Result                  *StatusResult          `json:"result"`
}

type FunctionLoadRequest struct {
	FunctionID string               `json:"function_id"`
	Metadata   *RpcFunctionMetadata `json:"metadata,omitempty"`
}

type FunctionLoadResponse struct {
	FunctionID string        `json:"function_id"`
	Result     *StatusResult `json:"result"`
}

// ─── Invocation ─────────────────────────────────────────

type RpcTraceContext struct {
	TraceParent string            `json:"trace_parent,omitempty"`
	TraceState  string            `json:"trace_state,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type RetryContext struct {
	RetryCount    int32         `json:"retry_count"`
	MaxRetryCount int32         `json:"max_retry_count"`
	Exception     *RpcException `json:"exception,omitempty"`
}

// ParameterBinding carries a named value either inline (Data) or as a
// reference to a shared-memory region (RpcSharedMemory).
type ParameterBinding struct {
	Name            string           `json:"name"`
	Data            *TypedData       `json:"data,omitempty"`
	RpcSharedMemory *RpcSharedMemory `json:"rpc_shared_memory,omitempty"`
}

// RpcDataType is the representation of a shared-memory region's bytes.
type RpcDataType string

const (
	RpcDataBytes  RpcDataType = "bytes"
	RpcDataString RpcDataType = "string"
)

type RpcSharedMemory struct {
	Name   string      `json:"name"`
	Offset int64       `json:"offset"`
	Count  int64       `json:"count"`
	Type   RpcDataType `json:"type"`
}

type InvocationRequest struct {
	InvocationID    string                `json:"invocation_id"`
	FunctionID      string                `json:"function_id"`
	InputData       []*ParameterBinding   `json:"input_data,omitempty"`
	TriggerMetadata map[string]*TypedData `json:"trigger_metadata,omitempty"`
	TraceContext    *RpcTraceContext      `json:"trace_context,omitempty"`
	RetryContext    *RetryContext         `json:"retry_context,omitempty"`
}

type InvocationResponse struct {
	InvocationID string              `json:"invocation_id"`
	OutputData   []*ParameterBinding `json:"output_data,omitempty"`
	ReturnValue  *TypedData          `json:"return_value,omitempty"`
	Result       *StatusResult       `json:"result"`
}

type InvocationCancel struct {
	InvocationID string `json:"invocation_id"`
}

// ─── Shared memory and logs ─────────────────────────────

type CloseSharedMemoryResourcesRequest struct {
	MapNames []string `json:"map_names"`
}

type CloseSharedMemoryResourcesResponse struct {
	CloseMapResults map[string]bool `json:"close_map_results"`
}

type RpcLog struct {
	InvocationID string        `json:"invocation_id,omitempty"`
	Category     string        `json:"category,omitempty"`
	Level        string        `json:"level"`
	Message      string        `json:"message"`
	LogCategory  string        `json:"log_category,omitempty"` // User or System
	Exception    *RpcException `json:"exception,omitempty"`
}
