package posepipe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencyWindow is the number of recent latency samples kept for
// quantile reporting
const latencyWindow = 256

// Pipeline owns the submit, complete, retrieve lifecycle of inference
// requests and decouples the producer and consumer rates.  Submissions
// return immediately with a monotonically increasing frame id while the
// engine executes on its own threads; completed results are buffered
// and handed back strictly in frame id order even when the hardware
// completes them out of order
type Pipeline struct {
	pool *RequestPool
	// outputInfo caches the model output tensors copied out on
	// completion
	outputInfo []TensorInfo

	mu   sync.Mutex
	cond *sync.Cond
	// completed buffers results keyed by frame id until the consumer
	// retrieves them in order
	completed map[int64]RequestResult
	// inputFrameID is the next id to assign at submission
	inputFrameID int64
	// outputFrameID is the next id the consumer will receive
	outputFrameID int64

	framesCount int64
	latencySum  time.Duration
	// latencies is a ring of the most recent per frame latencies in
	// seconds, overwritten at latencyNext in completion order
	latencies   []float64
	latencyNext int
	startTime   time.Time
}

// NewPipeline creates a pipeline backed by a pool of poolSize inference
// requests created from the given network
func NewPipeline(net ExecutableNetwork, poolSize int) (*Pipeline, error) {

	pool, err := NewRequestPool(net, poolSize)

	if err != nil {
		return nil, fmt.Errorf("error creating request pool: %w", err)
	}

	p := &Pipeline{
		pool:       pool,
		outputInfo: net.OutputInfo(),
		completed:  make(map[int64]RequestResult),
		latencies:  make([]float64, 0, latencyWindow),
		startTime:  time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)

	return p, nil
}

// SubmitRequest copies the given inputs into an idle request and starts
// its asynchronous execution, returning the assigned frame id without
// waiting for completion.  It blocks only while every request in the
// pool is busy.  meta is an opaque per frame value carried into the
// frame's RequestResult, bound before execution starts so it is
// visible to a concurrent consumer no matter how fast the engine
// completes.  A failure to start execution is recorded as a fault
// against the assigned frame id so in order retrieval is not stalled,
// and is also returned to the caller
func (p *Pipeline) SubmitRequest(inputs map[string]Tensor, meta any) (int64, error) {

	slot, err := p.pool.GetIdleRequest()

	if err != nil {
		return -1, err
	}

	for name, t := range inputs {
		if err := slot.Request().SetInput(name, t); err != nil {
			p.pool.Release(slot)
			return -1, fmt.Errorf("error setting input %q: %w", name, err)
		}
	}

	p.mu.Lock()
	frameID := p.inputFrameID
	p.inputFrameID++
	p.mu.Unlock()

	start := time.Now()

	// no pipeline lock is held here, StartAsync hands off to the
	// engine's dispatch path
	err = slot.Request().StartAsync(func(execErr error) {
		p.onCompletion(slot, frameID, meta, start, execErr)
	})

	if err != nil {
		err = fmt.Errorf("error starting request for frame %d: %w", frameID, err)
		p.onCompletion(slot, frameID, meta, start, err)
		return frameID, err
	}

	return frameID, nil
}

// onCompletion runs on the engine's completion goroutine.  It copies the
// named output tensors out of the request, stores the result keyed by
// frame id, updates the aggregate counters, returns the slot to the pool
// and wakes any waiting consumer.  A fault reported by the engine is
// captured in the stored result instead of output data
func (p *Pipeline) onCompletion(slot *RequestSlot, frameID int64,
	meta any, start time.Time, execErr error) {

	res := RequestResult{
		FrameID:   frameID,
		StartTime: start,
		Meta:      meta,
		err:       execErr,
	}

	if execErr == nil {
		res.Outputs = make(map[string]Tensor, len(p.outputInfo))

		for _, info := range p.outputInfo {
			t, err := slot.Request().Output(info.Name)

			if err != nil {
				res.Outputs = nil
				res.err = fmt.Errorf("error reading output %q of frame %d: %w",
					info.Name, frameID, err)
				break
			}

			// detach from engine owned memory before the slot is reused
			res.Outputs[info.Name] = t.Clone()
		}
	}

	latency := time.Since(start)

	p.mu.Lock()
	p.completed[frameID] = res
	p.recordLatency(latency)
	p.mu.Unlock()

	p.pool.Release(slot)
	p.cond.Broadcast()
}

// recordLatency folds one completed frame latency into the aggregate
// counters.  Samples are evicted oldest first once the window is full,
// in completion order, so the quantiles always cover the most recent
// latencyWindow completions.  Called with p.mu held
func (p *Pipeline) recordLatency(latency time.Duration) {

	p.framesCount++
	p.latencySum += latency

	if len(p.latencies) < latencyWindow {
		p.latencies = append(p.latencies, latency.Seconds())
		return
	}

	p.latencies[p.latencyNext] = latency.Seconds()
	p.latencyNext = (p.latencyNext + 1) % latencyWindow
}

// GetResult returns the result for the next frame id in submission
// order and removes it from the completed set.  The empty sentinel is
// returned without error when that frame has not completed yet, even if
// later frames have.  A fault captured during the frame's execution is
// returned exactly once, on this call, and does not affect earlier or
// later frames
func (p *Pipeline) GetResult() (RequestResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.completed[p.outputFrameID]

	if !ok {
		return emptyResult(), nil
	}

	delete(p.completed, p.outputFrameID)
	p.outputFrameID++

	return res, res.err
}

// WaitForData blocks until the result for the next frame id in
// submission order becomes available.  The caller must have submitted
// work that will eventually complete
func (p *Pipeline) WaitForData() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if _, ok := p.completed[p.outputFrameID]; ok {
			return
		}
		p.cond.Wait()
	}
}

// WaitForTotalCompletion blocks until every submitted request has
// completed and its slot returned to the pool
func (p *Pipeline) WaitForTotalCompletion() {
	p.pool.WaitForTotalCompletion()
}

// Pool returns the request pool backing the pipeline
func (p *Pipeline) Pool() *RequestPool {
	return p.pool
}

// PerformanceInfo returns a snapshot of the aggregate throughput
// counters
func (p *Pipeline) PerformanceInfo() PerformanceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, inUse := p.pool.Counts()

	info := PerformanceInfo{
		FramesCount:      p.framesCount,
		LatencySum:       p.latencySum,
		StartTime:        p.startTime,
		NumRequestsInUse: inUse,
	}

	if elapsed := time.Since(p.startTime).Seconds(); elapsed > 0 {
		info.FPS = float64(p.framesCount) / elapsed
	}

	if p.framesCount > 0 {
		info.LatencyMean = p.latencySum / time.Duration(p.framesCount)
	}

	if len(p.latencies) > 0 {
		samples := append([]float64(nil), p.latencies...)
		sort.Float64s(samples)

		info.LatencyP50 = time.Duration(
			stat.Quantile(0.5, stat.Empirical, samples, nil) * float64(time.Second))
		info.LatencyP95 = time.Duration(
			stat.Quantile(0.95, stat.Empirical, samples, nil) * float64(time.Second))
	}

	return info
}

// Close marks the pool closed.  Callers should drain in flight work
// with WaitForTotalCompletion first, no mid flight cancellation is
// supported
func (p *Pipeline) Close() {
	p.pool.Close()
}
