package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pyroscope-io/nodespy/pkg/agent/upstream"
	"github.com/pyroscope-io/nodespy/pkg/inspector"
)

type fakeInspector struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	calls       []string
	failures    map[string]error
	cpu         inspector.CPUProfile
	heap        inspector.SamplingHeapProfile
}

func (f *fakeInspector) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeInspector) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeInspector) Post(_ context.Context, method string, _, result interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if err, ok := f.failures[method]; ok {
		return err
	}
	switch method {
	case inspector.MethodProfilerStop:
		if r, ok := result.(*inspector.ProfilerStopResult); ok {
			r.Profile = f.cpu
		}
	case inspector.MethodHeapProfilerStopSampling:
		if r, ok := result.(*inspector.StopSamplingResult); ok {
			r.Profile = f.heap
		}
	}
	return nil
}

func (f *fakeInspector) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeInspector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeInspector) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type upstreamMock struct {
	mu      sync.Mutex
	uploads []*upstream.UploadJob
}

func (u *upstreamMock) Upload(j *upstream.UploadJob) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, j)
}

func (u *upstreamMock) Flush() {}
func (u *upstreamMock) Stop()  {}

func (u *upstreamMock) jobs() []*upstream.UploadJob {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*upstream.UploadJob, len(u.uploads))
	copy(out, u.uploads)
	return out
}

func (u *upstreamMock) names() []string {
	jobs := u.jobs()
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	return names
}

func cpuFixture() inspector.CPUProfile {
	return inspector.CPUProfile{
		Nodes: []inspector.ProfileNode{
			{ID: 1, CallFrame: inspector.CallFrame{FunctionName: "(root)", LineNumber: -1}, Children: []int{2}},
			{ID: 2, CallFrame: inspector.CallFrame{FunctionName: "a", LineNumber: -1}, Children: []int{3}},
			{ID: 3, CallFrame: inspector.CallFrame{FunctionName: "b", LineNumber: -1}},
		},
		StartTime: 0,
		EndTime:   1_000_000,
		Samples:   []int{3, 3},
	}
}

func heapFixture() inspector.SamplingHeapProfile {
	return inspector.SamplingHeapProfile{
		Head: inspector.SamplingHeapProfileNode{
			CallFrame: inspector.CallFrame{FunctionName: "(root)", LineNumber: -1},
			Children: []inspector.SamplingHeapProfileNode{
				{
					CallFrame: inspector.CallFrame{FunctionName: "alloc", LineNumber: -1},
					Children: []inspector.SamplingHeapProfileNode{
						{CallFrame: inspector.CallFrame{FunctionName: "buf", LineNumber: -1}, SelfSize: 2048},
					},
				},
			},
		},
	}
}

func newTestSession(f *fakeInspector, u *upstreamMock, mutate func(*SessionConfig)) *ProfileSession {
	c := SessionConfig{
		Upstream:   u,
		Inspector:  f,
		AppName:    "test-app",
		Tags:       map[string]string{"env": "prod"},
		SampleRate: 100,
		UploadRate: time.Hour,
	}
	if mutate != nil {
		mutate(&c)
	}
	s, err := NewSession(c)
	Expect(err).ToNot(HaveOccurred())
	return s
}

var _ = Describe("agent.ProfileSession", func() {
	Describe("Start and Stop", func() {
		It("is idempotent in both directions", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).To(Succeed())
			Expect(s.Start()).To(Succeed())
			Expect(f.connectCount()).To(Equal(1))

			s.Stop()
			s.Stop()
			Expect(f.disconnectCount()).To(Equal(1))
		})

		It("flushes the last window on Stop", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).To(Succeed())
			s.Stop()

			jobs := u.jobs()
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Name).To(Equal("test-app.cpu{env=prod}"))
			Expect(jobs[0].SpyName).To(Equal("nodespy"))
			Expect(jobs[0].Units).To(Equal("samples"))
			Expect(jobs[0].SampleRate).To(Equal(uint32(2)))
			Expect(string(jobs[0].Profile)).To(Equal("a;b 2"))
		})

		It("fails Start when the profiler cannot be enabled and releases the session", func() {
			f := &fakeInspector{failures: map[string]error{
				inspector.MethodProfilerEnable: errors.New("boom"),
			}}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).ToNot(Succeed())
			Expect(f.disconnectCount()).To(Equal(1))

			// session stays reusable
			delete(f.failures, inspector.MethodProfilerEnable)
			Expect(s.Start()).To(Succeed())
			s.Stop()
		})

		It("cycles windows on the upload cadence without gaps", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, func(c *SessionConfig) {
				c.UploadRate = 30 * time.Millisecond
			})

			Expect(s.Start()).To(Succeed())
			Eventually(func() int { return len(u.jobs()) }, "3s", "10ms").
				Should(BeNumerically(">=", 2))
			s.Stop()

			// every cycle restarted the profiler for the next window
			stops := f.callCount(inspector.MethodProfilerStop)
			starts := f.callCount(inspector.MethodProfilerStart)
			Expect(starts).To(Equal(stops), "each stop except the final one restarts sampling, plus the initial start")
		})
	})

	Describe("heap sampling", func() {
		It("uploads an allocation stream alongside cpu", func() {
			f := &fakeInspector{cpu: cpuFixture(), heap: heapFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, func(c *SessionConfig) {
				c.Heap = true
			})

			Expect(s.Start()).To(Succeed())
			s.Stop()

			Expect(u.names()).To(ConsistOf(
				"test-app.cpu{env=prod}",
				"test-app.alloc_space{env=prod}",
			))
			for _, j := range u.jobs() {
				if strings.Contains(j.Name, "alloc_space") {
					Expect(j.Units).To(Equal("bytes"))
					Expect(string(j.Profile)).To(Equal("alloc;buf 2048"))
				}
			}
			Expect(f.callCount(inspector.MethodHeapProfilerDisable)).To(Equal(1))
		})

		It("degrades to cpu-only when heap sampling cannot be enabled", func() {
			f := &fakeInspector{cpu: cpuFixture(), heap: heapFixture(), failures: map[string]error{
				inspector.MethodHeapProfilerStartSampling: errors.New("unsupported"),
			}}
			u := &upstreamMock{}
			s := newTestSession(f, u, func(c *SessionConfig) {
				c.Heap = true
			})

			Expect(s.Start()).To(Succeed())
			s.Stop()

			Expect(u.names()).To(ConsistOf("test-app.cpu{env=prod}"))
			Expect(f.callCount(inspector.MethodHeapProfilerStopSampling)).To(BeZero())
		})
	})

	Describe("TagWrapper", func() {
		It("runs the function directly when the session is idle", func() {
			f := &fakeInspector{}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			sentinel := errors.New("sentinel")
			called := false
			err := s.TagWrapper(map[string]string{"k": "v"}, func() error {
				called = true
				return sentinel
			})
			Expect(called).To(BeTrue())
			Expect(err).To(MatchError(sentinel))
			Expect(f.calls).To(BeEmpty())
			Expect(u.jobs()).To(BeEmpty())
		})

		It("splits the window and overlays labels for the function's duration", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).To(Succeed())
			err := s.TagWrapper(map[string]string{"span": "checkout"}, func() error {
				return nil
			})
			Expect(err).ToNot(HaveOccurred())
			s.Stop()

			Expect(u.names()).To(Equal([]string{
				"test-app.cpu{env=prod}",
				"test-app.cpu{env=prod,span=checkout}",
				"test-app.cpu{env=prod}",
			}))
		})

		It("restores the label set when the function fails", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).To(Succeed())
			sentinel := errors.New("sentinel")
			err := s.TagWrapper(map[string]string{"span": "bad"}, func() error {
				return sentinel
			})
			Expect(err).To(MatchError(sentinel))
			s.Stop()

			names := u.names()
			Expect(names[len(names)-1]).To(Equal("test-app.cpu{env=prod}"))
		})

		It("restores the label set when the function panics", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).To(Succeed())
			Expect(func() {
				_ = s.TagWrapper(map[string]string{"span": "bad"}, func() error {
					panic("kaboom")
				})
			}).To(PanicWith("kaboom"))
			s.Stop()

			names := u.names()
			Expect(names[len(names)-1]).To(Equal("test-app.cpu{env=prod}"))
		})

		It("overrides colliding keys instead of merging values", func() {
			f := &fakeInspector{cpu: cpuFixture()}
			u := &upstreamMock{}
			s := newTestSession(f, u, nil)

			Expect(s.Start()).To(Succeed())
			_ = s.TagWrapper(map[string]string{"env": "canary"}, func() error { return nil })
			s.Stop()

			Expect(u.names()).To(ContainElement("test-app.cpu{env=canary}"))
		})
	})
})
