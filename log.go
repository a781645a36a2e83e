package streamzip

// Logger is an optional diagnostic hook. The hot read/write path never logs
// by itself -- that would undermine the bounded-memory, single-threaded
// design -- but a Logger can be attached via ReadOptions/WriteOptions to help
// diagnose malformed archives encountered in the field.
type Logger interface {
	Debugf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}

func loggerOrNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
