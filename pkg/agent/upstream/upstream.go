// Package upstream defines the contract between the profiling session and
// whatever delivers its windows to a server.
package upstream

import "time"

type Upstream interface {
	// Upload hands off a window without blocking the caller.
	Upload(*UploadJob)
	// Flush blocks until every job handed off so far has completed its
	// delivery attempt, successfully or not.
	Flush()
	Stop()
}

// UploadJob is one profiling window ready for delivery. Name is already
// label-encoded (see pkg/flameql).
type UploadJob struct {
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	SpyName    string
	SampleRate uint32
	Units      string
	Profile    []byte
}
