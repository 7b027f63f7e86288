package controllerloop

// DemoMetric and DemoTarget are reference MetricSource/TargetSource
// implementations: they yield a constant forever so a relay with no real
// metric wired in keeps running instead of crashing. These are not meant to run in
// production -- they exist as documented examples and test fixtures.
func DemoMetric() (float64, bool) { return 0, true }

// DemoTarget holds a fixed target of 40 running tasks.
func DemoTarget() (float64, bool) { return 40, true }

// DemoController is a reference Controller: it requests the difference
// between target and metric, rounded toward zero. The controller's
// algorithm is otherwise an external collaborator entirely; this exists
// only so a fresh checkout has something non-nil to run, the same demo
// role DemoMetric/DemoTarget play.
type DemoController struct{}

func (DemoController) Next(metric, target float64) int64 {
	return int64(target - metric)
}
