// Package connect wires a configuration into a running agent: upstream,
// inspector session and profiling session, plus the signal-driven lifecycle.
package connect

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pyroscope-io/nodespy/pkg/agent"
	"github.com/pyroscope-io/nodespy/pkg/agent/upstream"
	"github.com/pyroscope-io/nodespy/pkg/agent/upstream/remote"
	"github.com/pyroscope-io/nodespy/pkg/config"
	"github.com/pyroscope-io/nodespy/pkg/inspector"
)

type Connect struct {
	Logger          *logrus.Logger
	Upstream        upstream.Upstream
	Session         *agent.ProfileSession
	ApplicationName string
}

func New(cfg *config.Connect) (*Connect, error) {
	logger := NewLogger(cfg.LogLevel)

	rc := remote.Config{
		AuthToken:              cfg.AuthToken,
		BasicAuthUser:          cfg.BasicAuthUser,
		BasicAuthPassword:      cfg.BasicAuthPassword,
		UpstreamAddress:        cfg.ServerAddress,
		UpstreamThreads:        cfg.UpstreamThreads,
		UpstreamRequestTimeout: cfg.UpstreamRequestTimeout,
		UpstreamMaxRetries:     cfg.UpstreamMaxRetries,
	}
	up, err := remote.New(rc, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("new remote upstream: %w", err)
	}

	target := cfg.InspectorAddress
	if !strings.HasPrefix(target, "ws://") && !strings.HasPrefix(target, "wss://") {
		target, err = inspector.DiscoverTarget(target)
		if err != nil {
			return nil, fmt.Errorf("resolve inspector target (is the process running with %s?): %w",
				color.YellowString("--inspect"), err)
		}
		logger.Debugf("resolved inspector target %s", target)
	}

	appName := checkApplicationName(logger, cfg.ApplicationName)

	session, err := agent.NewSession(agent.SessionConfig{
		Upstream:             up,
		Inspector:            inspector.NewWebsocketSession(target, logger),
		AppName:              appName,
		Tags:                 cfg.Tags,
		SampleRate:           uint32(cfg.SampleRate),
		UploadRate:           cfg.UploadRate,
		CPUTime:              cfg.CPUTime,
		Heap:                 cfg.Heap,
		HeapSamplingInterval: int64(cfg.HeapSamplingInterval),
		Logger:               logger,
	})
	if err != nil {
		up.Stop()
		return nil, fmt.Errorf("new session: %w", err)
	}

	return &Connect{
		Logger:          logger,
		Upstream:        up,
		Session:         session,
		ApplicationName: appName,
	}, nil
}

// Run starts profiling and blocks until SIGINT or SIGTERM, then performs one
// final flush before returning.
func (c *Connect) Run() error {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(ch)
		close(ch)
	}()

	if err := c.Session.Start(); err != nil {
		c.Upstream.Stop()
		return fmt.Errorf("start session: %w", err)
	}

	c.Logger.WithFields(logrus.Fields{
		"app-name": c.ApplicationName,
	}).Info("profiling session started")

	<-ch
	c.Logger.Debug("shutting down")
	c.Session.Stop()
	c.Upstream.Stop()
	return nil
}

func NewLogger(logLevel string) *logrus.Logger {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger := logrus.StandardLogger()
	logger.SetLevel(level)
	return logger
}

func checkApplicationName(logger *logrus.Logger, appName string) string {
	if appName != "" {
		return appName
	}
	appName = "node-app"
	if host, err := os.Hostname(); err == nil && host != "" {
		appName += "." + strings.ReplaceAll(host, ".", "-")
	}
	logger.Infof("we recommend specifying application name via %s flag or env variable %s",
		color.YellowString("-application-name"), color.YellowString("NODESPY_APPLICATION_NAME"))
	logger.Infof("for now we chose the name for you and it's %q", appName)
	return appName
}
