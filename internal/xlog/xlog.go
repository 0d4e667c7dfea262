// Package xlog provides component-tagged structured logging for the xHCI
// core, built on klog/v2.
package xlog

import (
	"k8s.io/klog/v2"
)

// Component identifies the subsystem emitting a log line, so operators can
// filter the firehose from a running controller down to one ring or FSM.
type Component string

// Components used across the xHCI core.
const (
	Ring      Component = "ring"
	Event     Component = "event"
	Command   Component = "command"
	Transfer  Component = "transfer"
	Slot      Component = "slot"
	Hub       Component = "hub"
	Port      Component = "port"
	Host      Component = "host"
	Context   Component = "context"
	Descriptor Component = "descriptor"
)

// Verbosity levels used with klog.V(). Trace is for per-TRB chatter that
// would otherwise flood a production log.
const (
	LevelInfo  klog.Level = 0
	LevelDebug klog.Level = 2
	LevelTrace klog.Level = 4
)

// Infof logs an informational message tagged with component.
func Infof(c Component, format string, args ...any) {
	klog.V(LevelInfo).Infof("[%s] "+format, prepend(c, args)...)
}

// Debugf logs a debug-level message tagged with component.
func Debugf(c Component, format string, args ...any) {
	if klog.V(LevelDebug).Enabled() {
		klog.V(LevelDebug).Infof("[%s] "+format, prepend(c, args)...)
	}
}

// Tracef logs per-TRB / per-event chatter, only visible at -v=4 or higher.
func Tracef(c Component, format string, args ...any) {
	if klog.V(LevelTrace).Enabled() {
		klog.V(LevelTrace).Infof("[%s] "+format, prepend(c, args)...)
	}
}

// Warningf logs a recoverable anomaly tagged with component.
func Warningf(c Component, format string, args ...any) {
	klog.Warningf("[%s] "+format, prepend(c, args)...)
}

// Errorf logs a failure tagged with component. It never calls klog.Fatal:
// a library must not terminate the process out from under its caller, even
// for fatal controller conditions (HSE/HCE) — those are surfaced as errors
// instead, see errors.go.
func Errorf(c Component, format string, args ...any) {
	klog.Errorf("[%s] "+format, prepend(c, args)...)
}

func prepend(c Component, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, string(c))
	out = append(out, args...)
	return out
}
