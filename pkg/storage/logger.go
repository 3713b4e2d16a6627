package storage

import "go.uber.org/zap"

// badgerLogger routes Badger's internal logging into zap. Badger is chatty at
// info level, so its info and debug output is demoted to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func newBadgerLogger(l *zap.Logger) *badgerLogger {
	return &badgerLogger{s: l.Named("badger").Sugar()}
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
