// Package controllerloop implements the Controller Loop collaborator: a
// periodic tick that pulls one metric and one target sample, asks a
// pluggable Controller how many warmer/cooler tasks are wanted, and invokes
// Warmer/Cooler with the signed result.
//
// The controller algorithm itself (PID, sampling, history) is out of
// scope -- Controller is only an interface here, supplied by the embedder.
package controllerloop

import (
	"context"
	"time"

	log "github.com/golang/glog"
)

// MetricSource and TargetSource are lazy-sequence collaborators: each call
// produces the next sample on demand. The bool return reports whether a
// value was available this tick; a source that cannot produce a value is
// responsible for handling that itself, so returning false here simply
// skips the tick.
type MetricSource func() (float64, bool)
type TargetSource func() (float64, bool)

// Controller decides the signed task delta for one tick. Positive means
// warmer tasks are wanted, negative means cooler, zero means nothing to do.
type Controller interface {
	Next(metric, target float64) int64
}

// Warmer and Cooler are the callbacks Relay invokes with a signed count;
// the Coordinator binds these to writes into the shared DesiredDelta cell
// (see coordinator.Run).
type Warmer func(n int64)
type Cooler func(n int64)

// Loop runs the periodic controller tick.
type Loop struct {
	Controller Controller
	Metric     MetricSource
	Target     TargetSource
	Warmer     Warmer
	Cooler     Cooler
	Delay      time.Duration

	// ready is closed as soon as Run starts, before the first tick,
	// matching the source's relay_ready event (init_relay sets relay_ready
	// before entering its loop).
	ready chan struct{}
}

// NewLoop builds a Loop ready to Run.
func NewLoop(ctrl Controller, metric MetricSource, target TargetSource, warmer Warmer, cooler Cooler, delay time.Duration) *Loop {
	return &Loop{
		Controller: ctrl,
		Metric:     metric,
		Target:     target,
		Warmer:     warmer,
		Cooler:     cooler,
		Delay:      delay,
		ready:      make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the loop has started,
// mirroring the source's relay_ready multiprocessing.Event -- the
// Coordinator waits on this (bounded by init_timeout) before persisting
// FrameworkIdentity.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

// Run ticks every Delay until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	closeReadyOnce(l)

	ticker := time.NewTicker(l.Delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func closeReadyOnce(l *Loop) {
	select {
	case <-l.ready:
	default:
		close(l.ready)
	}
}

func (l *Loop) tick() {
	metric, ok := l.Metric()
	if !ok {
		log.V(2).Info("controllerloop: metric source produced no value this tick")
		return
	}
	target, ok := l.Target()
	if !ok {
		log.V(2).Info("controllerloop: target source produced no value this tick")
		return
	}

	n := l.Controller.Next(metric, target)
	switch {
	case n > 0 && l.Warmer != nil:
		l.Warmer(n)
	case n < 0 && l.Cooler != nil:
		l.Cooler(n)
	}
}
