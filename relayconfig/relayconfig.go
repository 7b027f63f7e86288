// Package relayconfig defines the explicit configuration surface for
// Relay.Mesos as a plain struct rather than a dynamic options namespace.
//
// No flag, environment, or file parsing lives here. An embedder builds a
// Config in code (see cmd/relaymesos for a minimal example) and passes it
// to coordinator.Run.
package relayconfig

import (
	"time"

	"github.com/pkg/errors"

	"github.com/sailthru/relay.mesos/offermatch"
	"github.com/sailthru/relay.mesos/taskbuilder"
)

// Config is the full recognized option surface.
type Config struct {
	// General
	InitTimeout     time.Duration // default 20s
	Delay           time.Duration // controller tick interval; default 1s
	Warmer          string        // bash command
	Cooler          string        // bash command
	FailoverTimeout time.Duration // default 4h

	// Mesos
	MesosMaster              string // required
	MesosFrameworkName       string // default "framework"
	MesosFrameworkPrincipal  string
	MesosFrameworkRole       string
	MesosCheckpoint          bool
	MesosTaskResources       offermatch.Requirement
	MesosEnvironment         []taskbuilder.KV
	MesosAttributeMatchesAll map[string]string
	URIs                     []string
	MaxFailures              int // -1 disables failure-triggered shutdown

	// Docker
	DockerParameters map[string]string
	DockerImage      string
	DockerNetwork    string // HOST|BRIDGE|NONE, default BRIDGE
	ForcePullImage   bool
	Volumes          []taskbuilder.Volume
}

// Default returns a Config populated with the documented defaults.
// Callers still must set MesosMaster and, realistically,
// Warmer/Cooler/MesosTaskResources.
func Default() Config {
	return Config{
		InitTimeout:        20 * time.Second,
		Delay:              1 * time.Second,
		FailoverTimeout:    4 * time.Hour,
		MesosFrameworkName: "framework",
		MaxFailures:        -1,
		DockerNetwork:      "BRIDGE",
	}
}

// Validate checks the hard requirements: a missing master URI is fatal; a
// resource entry whose Kind is not scalar, range or set is fatal; an
// unrecognized docker network is fatal; an empty resource requirement is a
// warning the caller should log, not an error (returned here as
// emptyResourcesWarning so the caller can decide how loudly to warn).
func (c Config) Validate() (emptyResourcesWarning bool, err error) {
	if c.MesosMaster == "" {
		return false, errors.New("relayconfig: mesos_master is required")
	}
	if len(c.MesosTaskResources) == 0 {
		emptyResourcesWarning = true
	}
	for name, v := range c.MesosTaskResources {
		switch v.Kind {
		case offermatch.Scalar, offermatch.Range, offermatch.Set:
			// recognized
		default:
			return emptyResourcesWarning, errors.Errorf("relayconfig: mesos_task_resources has unrecognized kind for %q", name)
		}
	}
	switch c.DockerNetwork {
	case "", "HOST", "BRIDGE", "NONE":
	default:
		return emptyResourcesWarning, errors.Errorf("relayconfig: unrecognized docker_network %q", c.DockerNetwork)
	}
	return emptyResourcesWarning, nil
}

// Template converts the task-shaped fields of Config into a
// taskbuilder.Template.
func (c Config) Template() taskbuilder.Template {
	return taskbuilder.Template{
		FrameworkName:    c.MesosFrameworkName,
		Requirement:      c.MesosTaskResources,
		DockerImage:      c.DockerImage,
		DockerNetwork:    c.DockerNetwork,
		ForcePullImage:   c.ForcePullImage,
		Volumes:          c.Volumes,
		DockerParameters: c.DockerParameters,
		URIs:             c.URIs,
		Environment:      c.MesosEnvironment,
		AttributeFilter:  c.MesosAttributeMatchesAll,
	}
}
