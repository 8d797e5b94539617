package trust

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type MaskLevel int32

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
	StatsMask MaskLevel = 0x10
	fatalMask MaskLevel = 0x80
)

var level atomic.Int32

var sugar *zap.SugaredLogger

func init() {
	level.Store(int32(fatalMask | StatsMask | ErrorMask | WarnMask | InfoMask))

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = "" // kernel traces are tick-relative, wall time is noise
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	sugar = zap.New(core).Sugar()
}

// SetLevel lets you set an error mask directly. You can pass in something like
// ErrorMask | DebugMask to control exactly what gets printed.  It returns the
// previous mask.
func SetLevel(mask MaskLevel) MaskLevel {
	if mask&0x1f == 0 {
		sugar.Warnf("trust.SetLevel is turning off all log messages")
	}
	prev := MaskLevel(level.Swap(int32(mask | fatalMask)))
	return prev & 0x1f
}

func Level() MaskLevel {
	return MaskLevel(level.Load())
}

func enabled(l MaskLevel) bool {
	return MaskLevel(level.Load())&l != 0
}

// Debugf prints the given log message (format + params) using the DebugMask level.
func Debugf(format string, params ...interface{}) {
	if enabled(DebugMask) {
		sugar.Debugf(format, params...)
	}
}

// Infof prints the given log message (format + params) using the InfoMask level.
func Infof(format string, params ...interface{}) {
	if enabled(InfoMask) {
		sugar.Infof(format, params...)
	}
}

// Warnf prints the given log message (format + params) using the WarnMask level.
func Warnf(format string, params ...interface{}) {
	if enabled(WarnMask) {
		sugar.Warnf(format, params...)
	}
}

// Errorf prints the given log message (format + params) using the ErrorMask level.
func Errorf(format string, params ...interface{}) {
	if enabled(ErrorMask) {
		sugar.Errorf(format, params...)
	}
}

// Statsf prints a counter dump tagged with the subsystem that produced it.
func Statsf(subsystem string, format string, params ...interface{}) {
	if enabled(StatsMask) {
		sugar.Infof("STATS[%s]: "+format, append([]interface{}{subsystem}, params...)...)
	}
}

// Fatalf prints the given log message (format + params) and then exits with the
// exit code provided.  Fatalf is not maskable.  Library code should not call
// this; it is for binaries that have nowhere left to go.
func Fatalf(exitCode int, format string, params ...interface{}) {
	sugar.Errorf(format, params...)
	_ = sugar.Sync()
	os.Exit(exitCode)
}
