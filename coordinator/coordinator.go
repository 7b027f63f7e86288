// Package coordinator implements the top-level framework lifecycle: it
// spawns the Scheduler Agent and the Controller Loop, owns the shared
// DesiredDelta cell, installs signal handlers, watches for worker death or
// propagated exceptions, and persists FrameworkIdentity across restarts.
package coordinator

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gogo/protobuf/proto"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/mesosproto"
	schedpkg "github.com/mesos/mesos-go/scheduler"
	"github.com/pkg/errors"

	"github.com/sailthru/relay.mesos/controllerloop"
	"github.com/sailthru/relay.mesos/desiredstate"
	"github.com/sailthru/relay.mesos/kvstore"
	"github.com/sailthru/relay.mesos/relayconfig"
	"github.com/sailthru/relay.mesos/scheduler"
)

// TimeoutError marks a ready-signal wait that exceeded init_timeout.
type TimeoutError struct {
	Worker string
}

func (e *TimeoutError) Error() string {
	return "coordinator: " + e.Worker + " took too long to come up"
}

// WorkerError wraps an error forwarded from a supervised worker.
type WorkerError struct {
	Cause error
}

func (e *WorkerError) Error() string { return "coordinator: worker failed: " + e.Cause.Error() }

// Driver is the subset of mesos-go's SchedulerDriver the Coordinator itself
// needs, independent of the Scheduler Agent.
type Driver interface {
	Run() (mesos.Status, error)
	Stop(failover bool) (mesos.Status, error)
	ReviveOffers() (mesos.Status, error)
}

// DriverFactory builds the Mesos driver for a given scheduler and framework
// descriptor. Kept as a factory (rather than a constructed value) so tests
// can substitute a fake driver without depending on mesos-go's native
// bindings.
type DriverFactory func(sched schedpkg.Scheduler, framework *mesos.FrameworkInfo, master string) (Driver, error)

// Deps bundles every collaborator the Coordinator needs beyond Config.
type Deps struct {
	Store      kvstore.Store
	NewDriver  DriverFactory
	Controller controllerloop.Controller
	Metric     controllerloop.MetricSource
	Target     controllerloop.TargetSource
	Environ    map[string]string // process environment, for command interpolation
}

// Run executes the full Coordinator lifecycle and blocks until the
// framework shuts down, either cleanly (driver.Stop observed) or fatally
// (timeout, worker death, max failures, signal). It returns a non-nil error
// in every case except a clean stop; the caller (see cmd/relaymesos) turns
// that into an exit code.
func Run(ctx context.Context, cfg relayconfig.Config, deps Deps) error {
	emptyWarning, err := cfg.Validate()
	if err != nil {
		return errors.Wrap(err, "coordinator: invalid configuration")
	}
	if emptyWarning {
		log.Warning("coordinator: mesos_task_resources is empty; tasks may not start on slaves")
	}

	idPath := kvstore.FrameworkIDPath(cfg.MesosFrameworkName)
	existingID, err := readExistingIdentity(ctx, deps.Store, idPath)
	if err != nil {
		return errors.Wrap(err, "coordinator: reading persisted framework identity")
	}

	framework := buildFrameworkInfo(cfg, existingID)

	delta := desiredstate.New()
	exceptions := make(chan error, 1)

	agent := scheduler.New(cfg.MesosFrameworkName, cfg.Warmer, cfg.Cooler, cfg.Template(), deps.Environ, cfg.MaxFailures, delta, exceptions)

	driver, err := deps.NewDriver(agent, framework, cfg.MesosMaster)
	if err != nil {
		return errors.Wrap(err, "coordinator: constructing mesos driver")
	}

	driverDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				driverDone <- errors.Errorf("coordinator: mesos driver panicked: %v", r)
			}
		}()
		_, runErr := driver.Run()
		driverDone <- runErr
	}()

	if err := waitReady(agent.Ready(), cfg.InitTimeout); err != nil {
		driver.Stop(false)
		if delErr := deps.Store.Delete(ctx, idPath); delErr != nil {
			log.Errorf("coordinator: failed to roll back persisted identity: %v", delErr)
		}
		return err
	}

	now := func(n int64) { writeDelta(delta, n) }
	loop := controllerloop.NewLoop(deps.Controller, deps.Metric, deps.Target, now, now, cfg.Delay)

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()

	if err := waitReady(loop.Ready(), cfg.InitTimeout); err != nil {
		cancelLoop()
		driver.Stop(false)
		if delErr := deps.Store.Delete(ctx, idPath); delErr != nil {
			log.Errorf("coordinator: failed to roll back persisted identity: %v", delErr)
		}
		return err
	}

	if err := persistIdentity(ctx, deps.Store, idPath, agent.FrameworkID().GetValue(), existingID != ""); err != nil {
		log.Errorf("coordinator: failed to persist framework identity: %v", err)
	}

	return supervise(ctx, cfg, delta, exceptions, driverDone, loopDone, cancelLoop, driver, idPath, deps.Store)
}

func readExistingIdentity(ctx context.Context, store kvstore.Store, path string) (string, error) {
	exists, err := store.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	return store.Get(ctx, path)
}

func buildFrameworkInfo(cfg relayconfig.Config, existingID string) *mesos.FrameworkInfo {
	framework := &mesos.FrameworkInfo{
		User:            proto.String(""),
		Name:            proto.String("Relay.Mesos: " + cfg.MesosFrameworkName),
		Checkpoint:      proto.Bool(cfg.MesosCheckpoint),
		FailoverTimeout: proto.Float64(cfg.FailoverTimeout.Seconds()),
	}
	if existingID != "" {
		framework.Id = &mesos.FrameworkID{Value: proto.String(existingID)}
	}
	if cfg.MesosFrameworkPrincipal != "" {
		framework.Principal = proto.String(cfg.MesosFrameworkPrincipal)
	}
	if cfg.MesosFrameworkRole != "" {
		framework.Role = proto.String(cfg.MesosFrameworkRole)
	}
	return framework
}

func waitReady(ready <-chan struct{}, timeout time.Duration) error {
	select {
	case <-ready:
		return nil
	case <-time.After(timeout):
		return &TimeoutError{Worker: "scheduler agent or controller loop"}
	}
}

func persistIdentity(ctx context.Context, store kvstore.Store, path, id string, wasRecovering bool) error {
	if wasRecovering {
		return store.Set(ctx, path, id)
	}
	return store.Create(ctx, path, id)
}

// writeDelta is the controller-write adapter: both warmer and cooler
// callbacks write to the same slot; the sign of n (supplied by the
// controller) determines warmer vs cooler, and the latest stamp always
// wins.
func writeDelta(delta *desiredstate.Cell, n int64) {
	delta.Write(n, time.Now().UnixNano())
}

// supervise polls for worker death or exceptions: on any fatal condition it
// terminates both workers and returns a non-nil error. A clean driver.Stop
// (observed via driverDone with a nil error) returns nil.
func supervise(ctx context.Context, cfg relayconfig.Config, delta *desiredstate.Cell, exceptions <-chan error, driverDone <-chan error, loopDone <-chan struct{}, cancelLoop context.CancelFunc, driver Driver, idPath string, store kvstore.Store) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	interval := cfg.Delay
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var finalErr error
	cleanStop := false

loop:
	for {
		select {
		case err := <-exceptions:
			finalErr = &WorkerError{Cause: err}
			break loop

		case err := <-driverDone:
			// A worker exception may have triggered this very stop (e.g.
			// max_failures); give it priority over treating this as a
			// clean shutdown.
			select {
			case exErr := <-exceptions:
				finalErr = &WorkerError{Cause: exErr}
			default:
				if err == nil {
					cleanStop = true
				} else {
					finalErr = &WorkerError{Cause: err}
				}
			}
			break loop

		case <-loopDone:
			finalErr = &WorkerError{Cause: errors.New("controller loop exited unexpectedly")}
			break loop

		case sig := <-sigs:
			finalErr = errors.Errorf("coordinator: received signal %s", sig)
			break loop

		case <-ctx.Done():
			finalErr = ctx.Err()
			break loop

		case <-ticker.C:
			if delta.Read().Count != 0 {
				if _, err := driver.ReviveOffers(); err != nil {
					log.Errorf("coordinator: ReviveOffers failed: %v", err)
				}
			}
		}
	}

	cancelLoop()
	if _, err := driver.Stop(false); err != nil {
		log.Errorf("coordinator: driver.Stop failed: %v", err)
	}

	if cleanStop {
		if err := store.Delete(context.Background(), idPath); err != nil {
			log.Errorf("coordinator: failed to delete persisted identity on clean shutdown: %v", err)
		}
		return nil
	}
	return finalErr
}
