package posepipe

import (
	"sort"
	"time"
)

// RequestResult holds the copied output tensors of one completed
// inference request, keyed by output name
type RequestResult struct {
	// FrameID is the monotonic id assigned at submission time.  The
	// empty sentinel carries a negative FrameID
	FrameID int64
	// Outputs maps output tensor name to a copy of its data
	Outputs map[string]Tensor
	// StartTime is when the request was submitted
	StartTime time.Time
	// Meta carries the opaque per frame value given at submission.  It
	// is attached before the engine can complete the frame, so a
	// consumer on another goroutine always sees it
	Meta any
	// err holds a fault captured on the engine's completion goroutine,
	// surfaced by Pipeline.GetResult
	err error
}

// emptyResult is returned when no result is available yet
func emptyResult() RequestResult {
	return RequestResult{FrameID: -1}
}

// IsEmpty reports whether this is the "no result yet" sentinel
func (r RequestResult) IsEmpty() bool {
	return r.FrameID < 0
}

// FirstOutput returns the output tensor first in name order.  Many
// models have only one output, making this a convenient alternative to
// indexing the Outputs map.  Calling it on an empty result returns
// ErrNoOutputs
func (r RequestResult) FirstOutput() (Tensor, error) {

	if len(r.Outputs) == 0 {
		return Tensor{}, ErrNoOutputs
	}

	names := make([]string, 0, len(r.Outputs))

	for name := range r.Outputs {
		names = append(names, name)
	}

	sort.Strings(names)

	return r.Outputs[names[0]], nil
}

// PerformanceInfo is a snapshot of the pipeline's aggregate throughput
// counters
type PerformanceInfo struct {
	// FramesCount is the total number of completed frames
	FramesCount int64
	// LatencySum is the cumulative submit to completion latency
	LatencySum time.Duration
	// LatencyMean is the mean per frame latency
	LatencyMean time.Duration
	// LatencyP50 and LatencyP95 are latency quantiles over the most
	// recent frames
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	// StartTime is when the pipeline was created
	StartTime time.Time
	// NumRequestsInUse is the number of requests currently executing
	NumRequestsInUse int
	// FPS is the completed frame rate since StartTime
	FPS float64
}
