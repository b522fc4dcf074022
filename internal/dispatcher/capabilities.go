package dispatcher

// Capability names advertised in WorkerInitResponse.
const (
	CapRawHTTPBodyBytes              = "RawHttpBodyBytes"
	CapTypedDataCollection           = "TypedDataCollection"
	CapRPCHTTPBodyOnly               = "RpcHttpBodyOnly"
	CapRPCHTTPTriggerMetadataRemoved = "RpcHttpTriggerMetadataRemoved"
	CapWorkerStatus                  = "WorkerStatus"
	CapSharedMemoryDataTransfer      = "SharedMemoryDataTransfer"
	CapWorkerOpenTelemetryEnabled    = "WorkerOpenTelemetryEnabled"
	CapDeferredBindings              = "DeferredBindings"
	CapHandlesWorkerTerminate        = "HandlesWorkerTerminateMessage"
)

const capTrue = "true"

// Features are the optional behaviours this worker can offer.
type Features struct {
	SharedMemory     bool
	OpenTelemetry    bool
	DeferredBindings bool
}

// Capabilities is the set negotiated at init. It is never modified
// afterwards.
type Capabilities struct {
	HostVersion      string
	SharedMemory     bool
	OpenTelemetry    bool
	DeferredBindings bool
}

func negotiate(hostVersion string, f Features) *Capabilities {
	return &Capabilities{
		HostVersion:      hostVersion,
		SharedMemory:     f.SharedMemory,
		OpenTelemetry:    f.OpenTelemetry,
		DeferredBindings: f.DeferredBindings,
	}
}

// Map returns the wire form. Disabled optional capabilities are absent
// rather than "false".
func (c *Capabilities) Map() map[string]string {
	m := map[string]string{
		CapRawHTTPBodyBytes:              capTrue,
		CapTypedDataCollection:           capTrue,
		CapRPCHTTPBodyOnly:               capTrue,
		CapRPCHTTPTriggerMetadataRemoved: capTrue,
		CapWorkerStatus:                  capTrue,
		CapHandlesWorkerTerminate:        capTrue,
	}
	if c.SharedMemory {
		m[CapSharedMemoryDataTransfer] = capTrue
	}
	if c.OpenTelemetry {
		m[CapWorkerOpenTelemetryEnabled] = capTrue
	}
	if c.DeferredBindings {
		m[CapDeferredBindings] = capTrue
	}
	return m
}
