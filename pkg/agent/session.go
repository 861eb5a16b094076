// Package agent drives continuous profiling of a Node.js process: it owns
// the inspector session, cycles fixed-length sampling windows on a timer,
// folds each window's snapshots and hands them to an upstream for delivery.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pyroscope-io/nodespy/pkg/agent/upstream"
	"github.com/pyroscope-io/nodespy/pkg/convert"
	"github.com/pyroscope-io/nodespy/pkg/flameql"
	"github.com/pyroscope-io/nodespy/pkg/inspector"
)

const (
	// SpyName identifies this agent in ingest requests.
	SpyName = "nodespy"

	DefaultSampleRate          uint32 = 100
	DefaultUploadRate                 = 10 * time.Second
	DefaultHeapSamplingInterval int64 = 512 * 1024

	cpuStreamSuffix  = "cpu"
	heapStreamSuffix = "alloc_space"

	unitsSamples      = "samples"
	unitsMicroseconds = "microseconds"
	unitsBytes        = "bytes"

	postTimeout = 15 * time.Second
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateRunning
	stateTagged
)

// window is one profiling interval between successive stop/start cycles of
// the sampler. It snapshots the label set it was opened under so relabeling
// never affects data already being collected.
type window struct {
	startTime time.Time
	labels    map[string]string
}

type SessionConfig struct {
	Upstream  upstream.Upstream
	Inspector inspector.Session
	AppName   string
	Tags      map[string]string
	// SampleRate is the CPU sampling frequency in Hz.
	SampleRate uint32
	UploadRate time.Duration
	// CPUTime weights CPU stacks by sampled wall time in microseconds
	// instead of sample counts, keeping (idle) frames visible.
	CPUTime bool
	// Heap enables allocation sampling. Failure to enable it degrades the
	// session to CPU-only instead of failing Start.
	Heap                 bool
	HeapSamplingInterval int64
	Logger               Logger
}

// ProfileSession is the windowed profiling state machine. All sampler calls
// are serialized under one mutex; upstream handoff never blocks cycling.
// A session is reusable: Stop followed by Start opens a fresh inspector
// session.
type ProfileSession struct {
	upstream      upstream.Upstream
	session       inspector.Session
	appName       string
	sampleRate    uint32
	uploadRate    time.Duration
	cpuTime       bool
	heapRequested bool
	heapInterval  int64
	logger        Logger

	mu          sync.Mutex
	state       sessionState
	labels      map[string]string
	win         *window
	timer       *time.Timer
	gen         uint64
	heapEnabled bool
}

func NewSession(c SessionConfig) (*ProfileSession, error) {
	if c.Upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if c.Inspector == nil {
		return nil, fmt.Errorf("inspector session is required")
	}
	if c.AppName == "" {
		return nil, fmt.Errorf("application name is required")
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.UploadRate == 0 {
		c.UploadRate = DefaultUploadRate
	}
	if c.HeapSamplingInterval <= 0 {
		c.HeapSamplingInterval = DefaultHeapSamplingInterval
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	return &ProfileSession{
		upstream:      c.Upstream,
		session:       c.Inspector,
		appName:       c.AppName,
		sampleRate:    c.SampleRate,
		uploadRate:    c.UploadRate,
		cpuTime:       c.CPUTime,
		heapRequested: c.Heap,
		heapInterval:  c.HeapSamplingInterval,
		logger:        c.Logger,
		labels:        cloneLabels(c.Tags),
	}, nil
}

// Start connects to the inspector, enables sampling and opens the first
// window. Calling Start on a session that is already profiling is a no-op.
func (ps *ProfileSession) Start() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state != stateIdle {
		return nil
	}

	if err := ps.session.Connect(); err != nil {
		return fmt.Errorf("connect inspector: %w", err)
	}
	if err := ps.post(inspector.MethodProfilerEnable, nil, nil); err != nil {
		ps.releaseLocked()
		return fmt.Errorf("enable profiler: %w", err)
	}
	interval := int(time.Second.Microseconds() / int64(ps.sampleRate))
	params := &inspector.SetSamplingIntervalParams{Interval: interval}
	if err := ps.post(inspector.MethodProfilerSetSamplingInterval, params, nil); err != nil {
		ps.releaseLocked()
		return fmt.Errorf("set sampling interval: %w", err)
	}

	ps.heapEnabled = false
	if ps.heapRequested {
		if err := ps.startHeapSampling(); err != nil {
			ps.logger.Warnf("heap sampling could not be enabled, continuing with cpu only: %v", err)
		} else {
			ps.heapEnabled = true
		}
	}

	if err := ps.post(inspector.MethodProfilerStart, nil, nil); err != nil {
		ps.releaseLocked()
		return fmt.Errorf("start profiler: %w", err)
	}

	ps.state = stateRunning
	ps.openWindowLocked()
	ps.scheduleLocked()
	ps.logger.Debugf("profiling session started, app=%s sampleRate=%d uploadRate=%s heap=%v",
		ps.appName, ps.sampleRate, ps.uploadRate, ps.heapEnabled)
	return nil
}

// Stop cancels the pending timer, flushes the current window synchronously
// and releases the inspector session. Calling Stop on an idle session is a
// no-op.
func (ps *ProfileSession) Stop() {
	ps.mu.Lock()
	if ps.state == stateIdle {
		ps.mu.Unlock()
		return
	}
	ps.gen++
	ps.cancelTimerLocked()
	ps.closeWindowLocked(false)
	if ps.heapEnabled {
		if err := ps.post(inspector.MethodHeapProfilerDisable, nil, nil); err != nil {
			ps.logger.Errorf("disable heap profiler: %v", err)
		}
		ps.heapEnabled = false
	}
	ps.state = stateIdle
	ps.releaseLocked()
	ps.mu.Unlock()

	// await in-flight pushes, delivery failures are the upstream's to log
	ps.upstream.Flush()
	ps.logger.Debugf("profiling session stopped")
}

// TagWrapper profiles fn under the session's labels overlaid with tags. The
// enclosing window is split at both boundaries; the pre-tag label set is
// restored on every exit path, including a panicking fn. Outside an active
// session fn runs unchanged. Concurrent TagWrapper calls on one session are
// not supported.
func (ps *ProfileSession) TagWrapper(tags map[string]string, fn func() error) error {
	ps.mu.Lock()
	if ps.state != stateRunning {
		ps.mu.Unlock()
		return fn()
	}

	ps.gen++
	ps.cancelTimerLocked()
	ps.closeWindowLocked(true)
	saved := ps.labels
	merged := cloneLabels(saved)
	for k, v := range tags {
		merged[k] = v
	}
	ps.labels = merged
	ps.state = stateTagged
	// the tagged window's lifetime is bounded by fn, not the upload cadence
	ps.openWindowLocked()
	ps.mu.Unlock()

	defer func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		ps.gen++
		ps.labels = saved
		if ps.state != stateTagged {
			// the session was stopped while fn ran, the tagged window is
			// already flushed
			return
		}
		ps.closeWindowLocked(true)
		ps.state = stateRunning
		ps.openWindowLocked()
		ps.scheduleLocked()
	}()

	return fn()
}

// cycle closes the window that was current when the timer was armed and
// opens the next one. A stale generation means the timer raced with Stop or
// TagWrapper and lost.
func (ps *ProfileSession) cycle(gen uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state != stateRunning || gen != ps.gen {
		return
	}
	ps.closeWindowLocked(true)
	ps.openWindowLocked()
	ps.scheduleLocked()
}

func (ps *ProfileSession) scheduleLocked() {
	gen := ps.gen
	ps.timer = time.AfterFunc(ps.uploadRate, func() {
		ps.cycle(gen)
	})
}

func (ps *ProfileSession) cancelTimerLocked() {
	if ps.timer != nil {
		ps.timer.Stop()
		ps.timer = nil
	}
}

func (ps *ProfileSession) openWindowLocked() {
	ps.win = &window{
		startTime: time.Now(),
		labels:    cloneLabels(ps.labels),
	}
}

// closeWindowLocked stops sampling, folds the window's snapshots and hands
// them to the upstream without awaiting delivery. Retrieval failures cost
// this window's data, never the session: the caller still opens the next
// window on schedule.
func (ps *ProfileSession) closeWindowLocked(restart bool) {
	win := ps.win
	ps.win = nil
	if win == nil {
		return
	}
	endTime := time.Now()

	var stop inspector.ProfilerStopResult
	if err := ps.post(inspector.MethodProfilerStop, nil, &stop); err != nil {
		ps.logger.Errorf("stop cpu profiler, window lost: %v", err)
	} else {
		if restart {
			if err := ps.post(inspector.MethodProfilerStart, nil, nil); err != nil {
				ps.logger.Errorf("restart cpu profiler: %v", err)
			}
		}
		ps.uploadCPU(&stop.Profile, win, endTime)
	}

	if !ps.heapEnabled {
		return
	}
	var heapStop inspector.StopSamplingResult
	if err := ps.post(inspector.MethodHeapProfilerStopSampling, nil, &heapStop); err != nil {
		ps.logger.Errorf("stop heap sampling, window lost: %v", err)
		return
	}
	if restart {
		params := &inspector.StartSamplingParams{SamplingInterval: float64(ps.heapInterval)}
		if err := ps.post(inspector.MethodHeapProfilerStartSampling, params, nil); err != nil {
			ps.logger.Errorf("restart heap sampling, disabling it: %v", err)
			ps.heapEnabled = false
		}
	}
	ps.uploadHeap(&heapStop.Profile, win, endTime)
}

func (ps *ProfileSession) uploadCPU(p *inspector.CPUProfile, win *window, endTime time.Time) {
	var folded string
	units := unitsSamples
	if ps.cpuTime {
		folded = convert.FoldCPUWall(p)
		units = unitsMicroseconds
	} else {
		folded = convert.FoldCPU(p)
	}
	if folded == "" {
		ps.logger.Debugf("empty cpu window, skipping upload")
		return
	}
	ps.upstream.Upload(&upstream.UploadJob{
		Name:       ps.windowName(cpuStreamSuffix, win),
		StartTime:  win.startTime,
		EndTime:    endTime,
		SpyName:    SpyName,
		SampleRate: convert.EstimateSampleRate(len(p.Samples), p.EndTime-p.StartTime),
		Units:      units,
		Profile:    []byte(folded),
	})
}

func (ps *ProfileSession) uploadHeap(p *inspector.SamplingHeapProfile, win *window, endTime time.Time) {
	folded := convert.FoldHeap(p)
	if folded == "" {
		ps.logger.Debugf("empty heap window, skipping upload")
		return
	}
	ps.upstream.Upload(&upstream.UploadJob{
		Name:       ps.windowName(heapStreamSuffix, win),
		StartTime:  win.startTime,
		EndTime:    endTime,
		SpyName:    SpyName,
		SampleRate: 1,
		Units:      unitsBytes,
		Profile:    []byte(folded),
	})
}

func (ps *ProfileSession) windowName(streamSuffix string, win *window) string {
	return flameql.NewKey(ps.appName+"."+streamSuffix, win.labels).Normalized()
}

func (ps *ProfileSession) startHeapSampling() error {
	if err := ps.post(inspector.MethodHeapProfilerEnable, nil, nil); err != nil {
		return err
	}
	params := &inspector.StartSamplingParams{SamplingInterval: float64(ps.heapInterval)}
	return ps.post(inspector.MethodHeapProfilerStartSampling, params, nil)
}

func (ps *ProfileSession) releaseLocked() {
	if err := ps.session.Disconnect(); err != nil {
		ps.logger.Errorf("disconnect inspector: %v", err)
	}
}

func (ps *ProfileSession) post(method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	return ps.session.Post(ctx, method, params, result)
}

func cloneLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
