package agent

// Logger is the small logging surface the session needs. It is modeled on
// logrus so a *logrus.Logger satisfies it directly, but embedders can plug
// in anything.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type NoopLogger struct{}

func (*NoopLogger) Infof(format string, args ...interface{})  {}
func (*NoopLogger) Debugf(format string, args ...interface{}) {}
func (*NoopLogger) Warnf(format string, args ...interface{})  {}
func (*NoopLogger) Errorf(format string, args ...interface{}) {}
