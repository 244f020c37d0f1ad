package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// loggerFactory routes pion's internal logs into zap, one named logger per
// pion scope ("ice", "dtls", "ortc", ...).
type loggerFactory struct {
	logger *zap.SugaredLogger
}

func newLoggerFactory(logger *zap.SugaredLogger) logging.LoggerFactory {
	return &loggerFactory{logger: logger.Named("pion")}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{logger: f.logger.With("scope", scope)}
}

// scopedLogger drops trace output.
type scopedLogger struct {
	logger *zap.SugaredLogger
}

func (l *scopedLogger) Trace(string)                              {}
func (l *scopedLogger) Tracef(string, ...interface{})             {}
func (l *scopedLogger) Debug(msg string)                          { l.logger.Debug(msg) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *scopedLogger) Info(msg string)                           { l.logger.Info(msg) }
func (l *scopedLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *scopedLogger) Warn(msg string)                           { l.logger.Warn(msg) }
func (l *scopedLogger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *scopedLogger) Error(msg string)                          { l.logger.Error(msg) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }
