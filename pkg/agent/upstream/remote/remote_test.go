package remote

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/pyroscope-io/nodespy/pkg/agent/upstream"
)

type capturedRequest struct {
	query  map[string]string
	header http.Header
	body   string
}

type ingestRecorder struct {
	mu       sync.Mutex
	requests []capturedRequest
	statuses []int
}

func (rec *ingestRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gr, err := gzip.NewReader(r.Body)
		Expect(err).ToNot(HaveOccurred())
		raw, err := io.ReadAll(gr)
		Expect(err).ToNot(HaveOccurred())

		query := make(map[string]string)
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		rec.mu.Lock()
		rec.requests = append(rec.requests, capturedRequest{
			query:  query,
			header: r.Header.Clone(),
			body:   string(raw),
		})
		status := http.StatusOK
		if len(rec.statuses) > 0 {
			status = rec.statuses[0]
			rec.statuses = rec.statuses[1:]
		}
		rec.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (rec *ingestRecorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.requests)
}

func (rec *ingestRecorder) last() capturedRequest {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.requests[len(rec.requests)-1]
}

func testJob() *upstream.UploadJob {
	return &upstream.UploadJob{
		Name:       "test-app.cpu{env=prod}",
		StartTime:  time.Unix(1700000000, 0),
		EndTime:    time.Unix(1700000010, 0),
		SpyName:    "nodespy",
		SampleRate: 100,
		Units:      "samples",
		Profile:    []byte("a;b 5\nc 3"),
	}
}

func newTestRemote(addr string, mutate func(*Config)) *Remote {
	cfg := Config{
		UpstreamAddress: addr,
		UpstreamThreads: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r, err := New(cfg, logger, nil)
	Expect(err).ToNot(HaveOccurred())
	return r
}

var _ = Describe("remote.Remote", func() {
	It("rejects an unparsable upstream address", func() {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		_, err := New(Config{UpstreamAddress: "not a url"}, logger, nil)
		Expect(err).To(HaveOccurred())
	})

	It("posts a gzipped folded profile with ingest query parameters", func() {
		rec := &ingestRecorder{}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		r := newTestRemote(srv.URL, nil)
		r.Upload(testJob())
		r.Flush()
		r.Stop()

		Expect(rec.count()).To(Equal(1))
		req := rec.last()
		Expect(req.body).To(Equal("a;b 5\nc 3"))
		Expect(req.header.Get("Content-Encoding")).To(Equal("gzip"))
		Expect(req.header.Get("Content-Type")).To(Equal("text/plain"))
		Expect(req.query["name"]).To(Equal("test-app.cpu{env=prod}"))
		Expect(req.query["from"]).To(Equal("1700000000"))
		Expect(req.query["until"]).To(Equal("1700000010"))
		Expect(req.query["sampleRate"]).To(Equal("100"))
		Expect(req.query["spyName"]).To(Equal("nodespy"))
		Expect(req.query["units"]).To(Equal("samples"))
		Expect(req.query["format"]).To(Equal("folded"))
	})

	It("sends a bearer token when one is configured", func() {
		rec := &ingestRecorder{}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		r := newTestRemote(srv.URL, func(c *Config) {
			c.AuthToken = "secret"
			// the token wins over basic credentials
			c.BasicAuthUser = "user"
			c.BasicAuthPassword = "pass"
		})
		r.Upload(testJob())
		r.Flush()
		r.Stop()

		Expect(rec.last().header.Get("Authorization")).To(Equal("Bearer secret"))
	})

	It("falls back to basic auth without a token", func() {
		rec := &ingestRecorder{}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		r := newTestRemote(srv.URL, func(c *Config) {
			c.BasicAuthUser = "user"
			c.BasicAuthPassword = "pass"
		})
		r.Upload(testJob())
		r.Flush()
		r.Stop()

		req, err := http.NewRequest(http.MethodGet, "/", nil)
		Expect(err).ToNot(HaveOccurred())
		req.SetBasicAuth("user", "pass")
		Expect(rec.last().header.Get("Authorization")).To(Equal(req.Header.Get("Authorization")))
	})

	It("does not retry a client error", func() {
		rec := &ingestRecorder{statuses: []int{http.StatusUnprocessableEntity}}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		r := newTestRemote(srv.URL, func(c *Config) {
			c.UpstreamMaxRetries = 3
		})
		r.Upload(testJob())
		r.Flush()
		r.Stop()

		Expect(rec.count()).To(Equal(1))
	})

	It("retries a server error until it succeeds", func() {
		rec := &ingestRecorder{statuses: []int{http.StatusBadGateway, http.StatusOK}}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		r := newTestRemote(srv.URL, func(c *Config) {
			c.UpstreamMaxRetries = 3
		})
		r.Upload(testJob())
		r.Flush()
		r.Stop()

		Expect(rec.count()).To(Equal(2))
	})

	It("gives up after the configured retries", func() {
		rec := &ingestRecorder{statuses: []int{
			http.StatusBadGateway,
			http.StatusBadGateway,
		}}
		srv := httptest.NewServer(rec.handler())
		defer srv.Close()

		r := newTestRemote(srv.URL, func(c *Config) {
			c.UpstreamMaxRetries = 1
		})
		r.Upload(testJob())
		r.Flush()
		r.Stop()

		// one attempt plus one retry
		Expect(rec.count()).To(Equal(2))
	})
})
