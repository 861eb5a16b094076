// Package remote delivers profiling windows to a server's /ingest endpoint
// over HTTP, with gzip bodies and bounded retries.
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pyroscope-io/nodespy/pkg/agent/upstream"
)

const (
	ingestPath    = "/ingest"
	ingestFormat  = "folded"
	queueCapacity = 100
)

var (
	errQueueFull = fmt.Errorf("upload queue is full, dropping a profile")

	retryBackoff = backoff.Config{
		MinBackoff: 1 * time.Second,
		MaxBackoff: 30 * time.Second,
	}
)

type Config struct {
	AuthToken         string
	BasicAuthUser     string
	BasicAuthPassword string

	UpstreamAddress        string
	UpstreamThreads        int
	UpstreamRequestTimeout time.Duration
	// UpstreamMaxRetries is the number of retries after a retryable failure;
	// the first attempt is always made.
	UpstreamMaxRetries int
}

type Remote struct {
	cfg     Config
	todo    chan *upstream.UploadJob
	done    chan struct{}
	wg      sync.WaitGroup
	pending sync.WaitGroup
	client  *http.Client
	logger  logrus.FieldLogger
	metrics *clientMetrics
}

// New validates the config, spins up the worker pool and returns a ready
// upstream. reg may be nil to disable metrics registration.
func New(cfg Config, logger logrus.FieldLogger, reg prometheus.Registerer) (*Remote, error) {
	if _, err := url.ParseRequestURI(cfg.UpstreamAddress); err != nil {
		return nil, fmt.Errorf("invalid upstream address %q: %w", cfg.UpstreamAddress, err)
	}
	if cfg.UpstreamThreads <= 0 {
		cfg.UpstreamThreads = 4
	}
	if cfg.UpstreamRequestTimeout == 0 {
		cfg.UpstreamRequestTimeout = 10 * time.Second
	}
	if cfg.UpstreamMaxRetries < 0 {
		cfg.UpstreamMaxRetries = 0
	}

	r := &Remote{
		cfg:  cfg,
		todo: make(chan *upstream.UploadJob, queueCapacity),
		done: make(chan struct{}),
		client: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost: cfg.UpstreamThreads,
			},
			Timeout: cfg.UpstreamRequestTimeout,
		},
		logger:  logger,
		metrics: newClientMetrics(reg, cfg.UpstreamAddress),
	}
	r.wg.Add(cfg.UpstreamThreads)
	for i := 0; i < cfg.UpstreamThreads; i++ {
		go r.uploadLoop()
	}
	return r, nil
}

func (r *Remote) Upload(j *upstream.UploadJob) {
	r.pending.Add(1)
	select {
	case r.todo <- j:
	default:
		r.pending.Done()
		r.metrics.droppedProfiles.Inc()
		r.logger.Error(errQueueFull)
	}
}

// Flush blocks until every job accepted so far has finished its delivery
// attempt. Callers must not race Flush with Upload.
func (r *Remote) Flush() {
	r.pending.Wait()
}

func (r *Remote) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Remote) uploadLoop() {
	defer r.wg.Done()
	for {
		select {
		case j := <-r.todo:
			if err := r.uploadProfile(j); err != nil {
				r.metrics.uploadErrors.Inc()
				r.logger.WithField("name", j.Name).Errorf("failed to upload a profile: %v", err)
			}
			r.pending.Done()
		case <-r.done:
			return
		}
	}
}

// uploadProfile pushes one window, retrying 5xx and transport errors with
// capped exponential backoff. 4xx responses fail immediately.
func (r *Remote) uploadProfile(j *upstream.UploadJob) error {
	u, err := url.Parse(r.cfg.UpstreamAddress)
	if err != nil {
		return err
	}
	u.Path = ingestPath
	q := u.Query()
	q.Set("name", j.Name)
	q.Set("from", strconv.FormatInt(j.StartTime.Unix(), 10))
	q.Set("until", strconv.FormatInt(j.EndTime.Unix(), 10))
	q.Set("sampleRate", strconv.FormatUint(uint64(j.SampleRate), 10))
	q.Set("spyName", j.SpyName)
	q.Set("units", j.Units)
	q.Set("format", ingestFormat)
	u.RawQuery = q.Encode()

	var body bytes.Buffer
	gw := gzip.NewWriter(&body)
	if _, err = gw.Write(j.Profile); err != nil {
		return fmt.Errorf("compress profile: %w", err)
	}
	if err = gw.Close(); err != nil {
		return fmt.Errorf("compress profile: %w", err)
	}

	cfg := retryBackoff
	cfg.MaxRetries = r.cfg.UpstreamMaxRetries + 1
	b := backoff.New(context.Background(), cfg)
	var lastErr error
	for b.Ongoing() {
		retryable, err := r.do(u.String(), body.Bytes())
		if err == nil {
			r.metrics.sentProfiles.Inc()
			r.metrics.sentBytes.Add(float64(body.Len()))
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		r.logger.WithField("name", j.Name).Debugf("retrying upload: %v", err)
		b.Wait()
	}
	return lastErr
}

func (r *Remote) do(url string, body []byte) (retryable bool, err error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Encoding", "gzip")
	r.enhanceWithAuth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, fmt.Errorf("ingest rejected the profile: %s", resp.Status)
	default:
		return true, fmt.Errorf("ingest responded with %s", resp.Status)
	}
}

func (r *Remote) enhanceWithAuth(req *http.Request) {
	if r.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)
		return
	}
	if r.cfg.BasicAuthUser != "" {
		req.SetBasicAuth(r.cfg.BasicAuthUser, r.cfg.BasicAuthPassword)
	}
}
