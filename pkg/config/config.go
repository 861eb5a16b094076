package config

import "time"

type Config struct {
	Version bool

	Connect Connect `skip:"true"`
}

type Connect struct {
	Config   string `def:"" desc:"location of config file"`
	LogLevel string `def:"info" desc:"log level: debug|info|warn|error"`

	InspectorAddress string `def:"http://localhost:9229" desc:"inspector endpoint of the target node process; either the HTTP debug address or a full ws:// target URL"`

	ApplicationName string            `def:"" desc:"application name used when uploading profiling data"`
	Tags            map[string]string `name:"tag" def:"" desc:"tag in key=value form, repeatable"`

	ServerAddress     string `def:"http://localhost:4040" desc:"address of the pyroscope server"`
	AuthToken         string `def:"" desc:"authorization token used to upload profiling data"`
	BasicAuthUser     string `def:"" desc:"HTTP basic auth user"`
	BasicAuthPassword string `def:"" desc:"HTTP basic auth password"`

	SampleRate uint          `def:"100" desc:"sample rate for the profiler in Hz. 100 means reading 100 times per second"`
	UploadRate time.Duration `def:"10s" desc:"length of one profiling window"`
	CPUTime    bool          `name:"cpu-time" def:"false" desc:"weight cpu stacks by sampled wall time instead of sample counts"`

	Heap                 bool `def:"false" desc:"enable allocation sampling"`
	HeapSamplingInterval uint `def:"524288" desc:"average number of bytes between allocation samples"`

	UpstreamThreads        int           `def:"4" desc:"number of upload threads"`
	UpstreamRequestTimeout time.Duration `def:"10s" desc:"profile upload timeout"`
	UpstreamMaxRetries     int           `def:"3" desc:"number of retries after a retryable upload failure"`
}
