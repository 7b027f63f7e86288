package controllerloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedController struct{ n int64 }

func (f fixedController) Next(metric, target float64) int64 { return f.n }

func TestTickCallsWarmerOnPositive(t *testing.T) {
	var mu sync.Mutex
	var got int64
	warmer := func(n int64) { mu.Lock(); defer mu.Unlock(); got = n }
	cooler := func(n int64) { t.Fatal("cooler should not be called") }

	l := NewLoop(fixedController{n: 3}, DemoMetric, DemoTarget, warmer, cooler, time.Millisecond)
	l.tick()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(3), got)
}

func TestTickCallsCoolerOnNegative(t *testing.T) {
	var mu sync.Mutex
	var got int64
	warmer := func(n int64) { t.Fatal("warmer should not be called") }
	cooler := func(n int64) { mu.Lock(); defer mu.Unlock(); got = n }

	l := NewLoop(fixedController{n: -3}, DemoMetric, DemoTarget, warmer, cooler, time.Millisecond)
	l.tick()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(-3), got)
}

func TestTickSkipsOnZero(t *testing.T) {
	warmer := func(n int64) { t.Fatal("warmer should not be called") }
	cooler := func(n int64) { t.Fatal("cooler should not be called") }
	l := NewLoop(fixedController{n: 0}, DemoMetric, DemoTarget, warmer, cooler, time.Millisecond)
	l.tick()
}

func TestRunClosesReadyAndRespectsCancellation(t *testing.T) {
	l := NewLoop(fixedController{n: 0}, DemoMetric, DemoTarget, func(int64) {}, func(int64) {}, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	select {
	case <-l.Ready():
	case <-time.After(time.Second):
		t.Fatal("loop never became ready")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestMetricSourceUnavailableSkipsTick(t *testing.T) {
	unavailable := func() (float64, bool) { return 0, false }
	warmer := func(n int64) { t.Fatal("warmer should not be called") }
	cooler := func(n int64) { t.Fatal("cooler should not be called") }
	l := NewLoop(fixedController{n: 5}, unavailable, DemoTarget, warmer, cooler, time.Millisecond)
	l.tick()
}
