package ncoap

import (
	"github.com/astaxie/beego/logs"
)

var debugEnable bool
var healthMonitorEnable bool

// GLog is the package-wide logger that TraceInfo, TraceWarn and
// TraceError write to, for every endpoint; it is also the default value
// of EndpointConfig.Logger.
var GLog *logs.BeeLogger

func init() {
	debugEnable = false
	healthMonitorEnable = false
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug enables or disables trace-level logging package-wide.
func Debug(enable bool) {
	debugEnable = enable
}

// HealthMonitor enables or disables the 4-byte RUOK/IMOK liveness probe
// handled directly by the transport loop, bypassing the codec.
func HealthMonitor(enable bool) {
	healthMonitorEnable = enable
}

// SetLogger replaces the package-wide default logger.
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
	}
}

// TraceInfo logs at info level when debugging is enabled.
func TraceInfo(format string, v ...interface{}) {
	if debugEnable {
		GLog.Info(format, v...)
	}
}

// TraceError logs at error level when debugging is enabled.
func TraceError(format string, v ...interface{}) {
	if debugEnable {
		GLog.Error(format, v...)
	}
}

// TraceWarn logs at warn level when debugging is enabled.
func TraceWarn(format string, v ...interface{}) {
	if debugEnable {
		GLog.Warn(format, v...)
	}
}
