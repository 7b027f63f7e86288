// Command relaymesos runs Relay as a Mesos framework: it watches a metric
// against a target and launches warmer/cooler tasks on offered Mesos
// resources to close the gap.
//
// There is no flag or config-file parsing here. Only the master URI, the
// warmer and cooler commands and the ZooKeeper hosts are read from the
// environment (RELAY_MESOS_MASTER, RELAY_WARMER, RELAY_COOLER,
// RELAY_MESOS_ZK); everything else is set in code -- edit this file, the
// same way an embedder would.
package main

import (
	"context"
	"os"
	"time"

	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/mesosproto"
	"github.com/mesos/mesos-go/scheduler"

	"github.com/sailthru/relay.mesos/controllerloop"
	"github.com/sailthru/relay.mesos/coordinator"
	"github.com/sailthru/relay.mesos/kvstore"
	"github.com/sailthru/relay.mesos/offermatch"
	"github.com/sailthru/relay.mesos/relayconfig"
)

func buildConfig() relayconfig.Config {
	cfg := relayconfig.Default()
	cfg.MesosMaster = os.Getenv("RELAY_MESOS_MASTER")
	cfg.MesosFrameworkName = "relay"
	cfg.Warmer = os.Getenv("RELAY_WARMER")
	cfg.Cooler = os.Getenv("RELAY_COOLER")
	cfg.MesosTaskResources = offermatch.Requirement{
		"cpus": {Kind: offermatch.Scalar, Scalar: 0.1},
		"mem":  {Kind: offermatch.Scalar, Scalar: 128},
	}
	return cfg
}

func newDriver(sched scheduler.Scheduler, framework *mesos.FrameworkInfo, master string) (coordinator.Driver, error) {
	driver, err := scheduler.NewMesosSchedulerDriver(scheduler.DriverConfig{
		Scheduler: sched,
		Framework: framework,
		Master:    master,
	})
	if err != nil {
		return nil, err
	}
	return driver, nil
}

func newStore() kvstore.Store {
	zkHosts := os.Getenv("RELAY_MESOS_ZK")
	if zkHosts == "" {
		log.Warning("relaymesos: RELAY_MESOS_ZK not set; using an in-memory store, which cannot survive a restart")
		return kvstore.NewMemory()
	}
	conn, err := kvstore.DialZK([]string{zkHosts}, 10*time.Second)
	if err != nil {
		log.Fatalf("relaymesos: failed to connect to zookeeper: %v", err)
	}
	return conn
}

func main() {
	cfg := buildConfig()

	deps := coordinator.Deps{
		Store:      newStore(),
		NewDriver:  newDriver,
		Controller: controllerloop.DemoController{}, // replace with a real Controller before deploying
		Metric:     controllerloop.DemoMetric,
		Target:     controllerloop.DemoTarget,
		Environ:    environMap(),
	}

	if err := coordinator.Run(context.Background(), cfg, deps); err != nil {
		log.Errorf("relaymesos: exiting with error: %v", err)
		os.Exit(1)
	}
}

func environMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
