// Package scheduler implements the Scheduler Agent: the mesos-go
// scheduler.Scheduler callback target that matches offers against the
// shared DesiredDelta cell and launches warmer/cooler tasks.
package scheduler

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/mesosproto"
	schedpkg "github.com/mesos/mesos-go/scheduler"

	"github.com/sailthru/relay.mesos/desiredstate"
	"github.com/sailthru/relay.mesos/offermatch"
	"github.com/sailthru/relay.mesos/taskbuilder"
)

// MaxFailuresError is raised (via the exception channel) when the
// FailureCounter reaches the configured threshold. It is sent just before
// the agent calls driver.Stop.
type MaxFailuresError struct {
	Failures int
}

func (e *MaxFailuresError) Error() string {
	return fmt.Sprintf("scheduler: max failures reached (%d)", e.Failures)
}

// Metrics are plain atomic counters exposed over the admin HTTP endpoint.
type Metrics struct {
	Launched uint32
	Declined uint32
	Failures uint32
}

// Agent implements mesos-go's scheduler.Scheduler. Its zero value is not
// usable; construct with New.
type Agent struct {
	FrameworkName   string
	Warmer          string
	Cooler          string
	Requirement     offermatch.Requirement
	Template        taskbuilder.Template
	TaskEnv         map[string]string
	MaxFailures     int // -1 disables failure-triggered shutdown
	Delta           *desiredstate.Cell
	ExceptionSender chan<- error

	Metrics Metrics

	mu          sync.Mutex
	failures    int
	frameworkID *mesos.FrameworkID
	state       state
	ready       chan struct{}
	readyOnce   sync.Once
}

type state int32

const (
	stateInit state = iota
	stateRegistered
	stateStopped
)

// New constructs an Agent. sender receives any error raised inside a
// callback, via the catch-and-forward shim below.
func New(frameworkName, warmer, cooler string, tmpl taskbuilder.Template, taskEnv map[string]string, maxFailures int, delta *desiredstate.Cell, sender chan<- error) *Agent {
	return &Agent{
		FrameworkName:   frameworkName,
		Warmer:          warmer,
		Cooler:          cooler,
		Requirement:     tmpl.Requirement,
		Template:        tmpl,
		TaskEnv:         taskEnv,
		MaxFailures:     maxFailures,
		Delta:           delta,
		ExceptionSender: sender,
		ready:           make(chan struct{}),
	}
}

// Ready is closed once Registered has fired; the Coordinator waits on it
// (bounded by init_timeout) before starting the Controller Loop.
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// FrameworkID returns the most recently registered framework id, or nil if
// the agent has not registered yet.
func (a *Agent) FrameworkID() *mesos.FrameworkID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frameworkID
}

// isStopped reports whether the agent has entered the terminal STOPPED
// state, e.g. after a max-failures trip. STOPPED never transitions back.
func (a *Agent) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateStopped
}

// catch wraps a callback body, forwarding any panic to ExceptionSender
// before re-raising it, so a panic inside one callback is observable by
// the supervisor instead of silently crashing the driver's callback
// goroutine.
func (a *Agent) catch(name string, body func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("scheduler: panic in %s: %v", name, r)
			log.Error(err)
			select {
			case a.ExceptionSender <- err:
			default:
			}
			panic(r)
		}
	}()
	body()
}

func (a *Agent) Registered(driver schedpkg.SchedulerDriver, frameworkID *mesos.FrameworkID, masterInfo *mesos.MasterInfo) {
	a.catch("Registered", func() {
		a.mu.Lock()
		a.frameworkID = frameworkID
		a.state = stateRegistered
		a.mu.Unlock()

		log.Infof("Registered with master %s (framework id %s)", masterInfo.GetHostname(), frameworkID.GetValue())
		a.readyOnce.Do(func() { close(a.ready) })
	})
}

func (a *Agent) Reregistered(driver schedpkg.SchedulerDriver, masterInfo *mesos.MasterInfo) {
	a.catch("Reregistered", func() {
		log.Infof("Re-registered with master %s", masterInfo.GetHostname())
	})
}

func (a *Agent) Disconnected(driver schedpkg.SchedulerDriver) {
	log.Warning("Disconnected from master")
}

// ResourceOffers is the hot path: match offers against demand, decline what
// can't be used, and launch warmer/cooler tasks against what's left.
func (a *Agent) ResourceOffers(driver schedpkg.SchedulerDriver, offers []*mesos.Offer) {
	a.catch("ResourceOffers", func() {
		a.resourceOffers(driver, offers)
	})
}

func (a *Agent) resourceOffers(driver schedpkg.SchedulerDriver, offers []*mesos.Offer) {
	if a.isStopped() {
		log.V(2).Info("scheduler: stopped, declining offer batch outright")
		for _, offer := range offers {
			a.decline(driver, offer)
		}
		return
	}

	usable, declinable, err := offermatch.Batch(offers, a.Requirement, a.Template.AttributeFilter)
	if err != nil {
		log.Errorf("scheduler: failed to match offers: %v", err)
		select {
		case a.ExceptionSender <- err:
		default:
		}
		return
	}

	for _, offer := range declinable {
		a.decline(driver, offer)
	}
	if len(usable) == 0 {
		log.V(2).Info("scheduler: no usable offers in this batch")
		return
	}

	total := int64(offermatch.TotalCapacity(usable))
	now := time.Now().UnixNano()
	read := a.Delta.ReadAndResidual(total, now)

	command := ""
	switch {
	case read.Count > 0 && a.Warmer != "":
		command = a.Warmer
	case read.Count < 0 && a.Cooler != "":
		command = a.Cooler
	}

	if command == "" {
		for _, oc := range usable {
			a.decline(driver, oc.Offer)
		}
		return
	}

	remaining := read.Count
	if remaining < 0 {
		remaining = -remaining
	}
	a.launch(driver, usable, command, remaining)
	driver.ReviveOffers()
}

// launch issues up to remaining task launches across usable offers in
// order, one launchTasks call per offer, declining any offer once demand is
// exhausted so every offer in the batch is accounted for.
func (a *Agent) launch(driver schedpkg.SchedulerDriver, usable []offermatch.OfferCapacity, command string, remaining int64) {
	for _, oc := range usable {
		if remaining <= 0 {
			a.decline(driver, oc.Offer)
			continue
		}

		seq := 0
		n := int64(oc.Capacity)
		if n > remaining {
			n = remaining
		}

		tasks := make([]*mesos.TaskInfo, 0, n)
		for i := int64(0); i < n; i++ {
			task, err := taskbuilder.Build(seq, oc.Offer, command, a.Template, a.TaskEnv)
			seq++
			if err != nil {
				log.Errorf("scheduler: failed to build task: %v", err)
				select {
				case a.ExceptionSender <- err:
				default:
				}
				continue
			}
			tasks = append(tasks, task)
		}

		driver.LaunchTasks([]*mesos.OfferID{oc.Offer.GetId()}, tasks, &mesos.Filters{RefuseSeconds: proto.Float64(1)})
		atomic.AddUint32(&a.Metrics.Launched, uint32(len(tasks)))
		remaining -= n
	}
}

func (a *Agent) decline(driver schedpkg.SchedulerDriver, offer *mesos.Offer) {
	atomic.AddUint32(&a.Metrics.Declined, 1)
	driver.DeclineOffer(offer.GetId(), &mesos.Filters{RefuseSeconds: proto.Float64(5)})
}

// StatusUpdate maintains the running failure counter used to trip
// max_failures.
func (a *Agent) StatusUpdate(driver schedpkg.SchedulerDriver, update *mesos.TaskStatus) {
	a.catch("StatusUpdate", func() {
		a.statusUpdate(driver, update)
	})
}

func (a *Agent) statusUpdate(driver schedpkg.SchedulerDriver, update *mesos.TaskStatus) {
	log.V(2).Infof("scheduler: task %s is in state %s", update.GetTaskId().GetValue(), update.GetState())

	if a.isStopped() {
		return
	}

	if a.MaxFailures == -1 {
		return
	}

	switch update.GetState() {
	case mesos.TaskState_TASK_FAILED, mesos.TaskState_TASK_LOST:
		atomic.AddUint32(&a.Metrics.Failures, 1)
	case mesos.TaskState_TASK_FINISHED, mesos.TaskState_TASK_STARTING:
		// decrement with a floor of 0, handled below under the lock
	default:
		return
	}

	a.mu.Lock()
	switch update.GetState() {
	case mesos.TaskState_TASK_FAILED, mesos.TaskState_TASK_LOST:
		a.failures++
	case mesos.TaskState_TASK_FINISHED, mesos.TaskState_TASK_STARTING:
		if a.failures > 0 {
			a.failures--
		}
	}
	failures := a.failures
	a.mu.Unlock()

	if failures >= a.MaxFailures {
		log.Errorf("scheduler: max allowable failures reached (%d)", failures)
		a.mu.Lock()
		a.state = stateStopped
		a.mu.Unlock()
		err := &MaxFailuresError{Failures: failures}
		select {
		case a.ExceptionSender <- err:
		default:
		}
		driver.Stop(false)
	}
}

func (a *Agent) OfferRescinded(driver schedpkg.SchedulerDriver, offerID *mesos.OfferID) {
	log.V(2).Infof("scheduler: offer rescinded: %s", offerID.GetValue())
}

func (a *Agent) FrameworkMessage(driver schedpkg.SchedulerDriver, executorID *mesos.ExecutorID, slaveID *mesos.SlaveID, message string) {
	// Ignored -- recovery is the Controller Loop's job, not the Agent's.
}

func (a *Agent) SlaveLost(driver schedpkg.SchedulerDriver, slaveID *mesos.SlaveID) {
	log.V(2).Infof("scheduler: slave lost: %s", slaveID.GetValue())
}

func (a *Agent) ExecutorLost(driver schedpkg.SchedulerDriver, executorID *mesos.ExecutorID, slaveID *mesos.SlaveID, status int) {
	log.V(2).Infof("scheduler: executor lost: %s on slave %s", executorID.GetValue(), slaveID.GetValue())
}

func (a *Agent) Error(driver schedpkg.SchedulerDriver, message string) {
	log.Errorf("scheduler: driver reported error: %s", message)
}

// ServeStats exposes Metrics as JSON over an admin HTTP endpoint.
func (a *Agent) ServeStats(mux *http.ServeMux) {
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"launched":%d,"declined":%d,"failures":%d}`,
			atomic.LoadUint32(&a.Metrics.Launched),
			atomic.LoadUint32(&a.Metrics.Declined),
			atomic.LoadUint32(&a.Metrics.Failures))
	})
}
