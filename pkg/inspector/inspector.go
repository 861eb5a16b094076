// Package inspector talks to the V8 inspector protocol of a running Node.js
// process. It only covers the profiler domains the agent needs: time sampling
// (Profiler) and allocation sampling (HeapProfiler).
package inspector

import "context"

// Protocol methods used by the agent.
const (
	MethodProfilerEnable              = "Profiler.enable"
	MethodProfilerSetSamplingInterval = "Profiler.setSamplingInterval"
	MethodProfilerStart               = "Profiler.start"
	MethodProfilerStop                = "Profiler.stop"
	MethodHeapProfilerEnable          = "HeapProfiler.enable"
	MethodHeapProfilerStartSampling   = "HeapProfiler.startSampling"
	MethodHeapProfilerStopSampling    = "HeapProfiler.stopSampling"
	MethodHeapProfilerDisable         = "HeapProfiler.disable"
)

// Session is a single inspector protocol session. Implementations are not
// required to be safe for concurrent Post calls with respect to profiler
// state: the agent serializes all profiler-domain calls itself.
type Session interface {
	Connect() error
	Disconnect() error
	// Post issues a protocol call and decodes the result into result
	// (may be nil when the caller does not care about the payload).
	Post(ctx context.Context, method string, params, result interface{}) error
}

// CallFrame identifies a JS function within a script.
type CallFrame struct {
	FunctionName string `json:"functionName"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
}

// ProfileNode is one node of the CPU profile call tree. The tree arrives
// flattened: edges are encoded as child id lists.
type ProfileNode struct {
	ID        int       `json:"id"`
	CallFrame CallFrame `json:"callFrame"`
	Children  []int     `json:"children,omitempty"`
}

// CPUProfile is the result payload of Profiler.stop. Samples holds leaf node
// ids, TimeDeltas the elapsed microseconds since the previous sample. Either
// may be absent for an empty profile.
type CPUProfile struct {
	Nodes      []ProfileNode `json:"nodes"`
	StartTime  int64         `json:"startTime"`
	EndTime    int64         `json:"endTime"`
	Samples    []int         `json:"samples,omitempty"`
	TimeDeltas []int64       `json:"timeDeltas,omitempty"`
}

// SamplingHeapProfileNode is one node of the allocation tree. SelfSize is
// bytes allocated directly at this frame; the protocol transmits it as a
// floating point number because sizes are Poisson-estimated.
type SamplingHeapProfileNode struct {
	CallFrame CallFrame                 `json:"callFrame"`
	SelfSize  float64                   `json:"selfSize"`
	Children  []SamplingHeapProfileNode `json:"children,omitempty"`
}

// SamplingHeapProfile is the result payload of HeapProfiler.stopSampling.
type SamplingHeapProfile struct {
	Head SamplingHeapProfileNode `json:"head"`
}

// SetSamplingIntervalParams configures the CPU sampling interval in microseconds.
type SetSamplingIntervalParams struct {
	Interval int `json:"interval"`
}

// StartSamplingParams configures the average number of bytes between
// allocation samples.
type StartSamplingParams struct {
	SamplingInterval float64 `json:"samplingInterval,omitempty"`
}

// ProfilerStopResult is the envelope returned by Profiler.stop.
type ProfilerStopResult struct {
	Profile CPUProfile `json:"profile"`
}

// StopSamplingResult is the envelope returned by HeapProfiler.stopSampling.
type StopSamplingResult struct {
	Profile SamplingHeapProfile `json:"profile"`
}
