// Package taskbuilder constructs Mesos TaskInfo descriptors from a
// TaskTemplate, a concrete offer, and the warmer/cooler command chosen by
// the Scheduler Agent for this launch.
package taskbuilder

import (
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/mesosproto"
	"github.com/mesos/mesos-go/mesosutil"
	"github.com/pkg/errors"

	"github.com/sailthru/relay.mesos/offermatch"
)

// Volume describes a container volume mount.
type Volume struct {
	HostPath      string
	ContainerPath string
	Mode          string // "RO" or "RW", case-insensitive on input
}

// Template is the immutable-per-run description of what a launched task
// looks like, independent of which offer or command ends up filling it.
type Template struct {
	FrameworkName string
	Requirement   offermatch.Requirement

	DockerImage      string
	DockerNetwork    string // "HOST", "BRIDGE", or "NONE"
	ForcePullImage   bool
	Volumes          []Volume
	DockerParameters map[string]string

	URIs        []string
	Environment []KV

	// AttributeFilter restricts launches to slaves whose attributes match
	// every entry; enforced by offermatch.Capacity, not by Build itself.
	AttributeFilter map[string]string
}

// KV is an ordered key/value pair, used for environment variables where
// Mesos's wire format is itself a list rather than a map.
type KV struct {
	Key, Value string
}

// Build constructs a TaskInfo for the seq-th task carved out of offer.
//
// seq is a per-offer sequence index; taskEnv is the process environment
// used to interpolate {VAR} patterns in command, mirroring the Coordinator's
// own environment the way the original source's command string is run
// through a real shell that expands it.
func Build(seq int, offer *mesos.Offer, command string, tmpl Template, taskEnv map[string]string) (*mesos.TaskInfo, error) {
	tid := taskID(seq, offer.GetId().GetValue())

	name := fmt.Sprintf("relay.mesos task: %s", tid)
	if tmpl.FrameworkName != "" {
		name = fmt.Sprintf("relay.mesos task: %s: %s", tmpl.FrameworkName, tid)
	}

	uris := make([]*mesos.CommandInfo_URI, 0, len(tmpl.URIs))
	for _, u := range tmpl.URIs {
		uris = append(uris, &mesos.CommandInfo_URI{Value: proto.String(u)})
	}

	vars := make([]*mesos.Environment_Variable, 0, len(tmpl.Environment))
	for _, kv := range tmpl.Environment {
		vars = append(vars, &mesos.Environment_Variable{Name: proto.String(kv.Key), Value: proto.String(kv.Value)})
	}

	task := &mesos.TaskInfo{
		Name:    proto.String(name),
		TaskId:  &mesos.TaskID{Value: proto.String(tid)},
		SlaveId: offer.GetSlaveId(),
		Command: &mesos.CommandInfo{
			Value:       proto.String(interpolate(command, taskEnv)),
			Uris:        uris,
			Environment: &mesos.Environment{Variables: vars},
		},
	}

	if tmpl.DockerImage != "" {
		container, err := buildContainer(tmpl)
		if err != nil {
			return nil, err
		}
		task.Container = container
	}

	resources, err := buildResources(tmpl.Requirement)
	if err != nil {
		return nil, err
	}
	task.Resources = resources

	return task, nil
}

// taskID composes a globally-unique-within-this-framework-instance id,
// matching the original source's "%s.%s.%s" % (seq, offer_id, rand) format.
func taskID(seq int, offerID string) string {
	return fmt.Sprintf("%d.%s.%d", seq, offerID, rand.Int63n(1<<63-1)+1)
}

// interpolate resolves {VAR} patterns against env, in addition to Go's
// native os.Expand ${VAR} form.
func interpolate(command string, env map[string]string) string {
	braced := strings.NewReplacer("${", "${", "{", "${", "}", "}").Replace(command)
	return os.Expand(braced, func(key string) string {
		return env[key]
	})
}

func buildContainer(tmpl Template) (*mesos.ContainerInfo, error) {
	networkVal, ok := mesos.ContainerInfo_DockerInfo_Network_value[strings.ToUpper(tmpl.DockerNetwork)]
	if !ok {
		return nil, errors.Errorf("taskbuilder: unrecognized docker network mode %q", tmpl.DockerNetwork)
	}
	network := mesos.ContainerInfo_DockerInfo_Network(networkVal)

	volumes := make([]*mesos.Volume, 0, len(tmpl.Volumes))
	for _, v := range tmpl.Volumes {
		modeVal, ok := mesos.Volume_Mode_value[strings.ToUpper(v.Mode)]
		if !ok {
			return nil, errors.Errorf("taskbuilder: unrecognized volume mode %q", v.Mode)
		}
		mode := mesos.Volume_Mode(modeVal)
		volumes = append(volumes, &mesos.Volume{
			HostPath:      proto.String(v.HostPath),
			ContainerPath: proto.String(v.ContainerPath),
			Mode:          &mode,
		})
	}

	params := make([]*mesos.Parameter, 0, len(tmpl.DockerParameters))
	for k, v := range tmpl.DockerParameters {
		params = append(params, &mesos.Parameter{Key: proto.String(k), Value: proto.String(v)})
	}

	containerType := mesos.ContainerInfo_DOCKER
	return &mesos.ContainerInfo{
		Type:    &containerType,
		Volumes: volumes,
		Docker: &mesos.ContainerInfo_DockerInfo{
			Image:          proto.String(tmpl.DockerImage),
			ForcePullImage: proto.Bool(tmpl.ForcePullImage),
			Network:        &network,
			Parameters:     params,
		},
	}, nil
}

// buildResources materializes a Requirement into wire-format Resources,
// using the same type caster per resource kind the original source's
// SCALAR_KEYS/RANGE_KEYS/SET_KEYS tables apply.
func buildResources(req offermatch.Requirement) ([]*mesos.Resource, error) {
	resources := make([]*mesos.Resource, 0, len(req))
	for name, val := range req {
		switch val.Kind {
		case offermatch.Scalar:
			resources = append(resources, mesosutil.NewScalarResource(name, val.Scalar))
		case offermatch.Range:
			ranges := make([]*mesos.Value_Range, 0, len(val.Ranges))
			for _, r := range val.Ranges {
				ranges = append(ranges, mesosutil.NewValueRange(r.Begin, r.End))
			}
			resources = append(resources, mesosutil.NewRangesResource(name, ranges))
		case offermatch.Set:
			setType := mesos.Value_SET
			resources = append(resources, &mesos.Resource{
				Name: proto.String(name),
				Type: &setType,
				Set:  &mesos.Value_Set{Item: append([]string{}, val.Set...)},
			})
		default:
			return nil, errors.Errorf("taskbuilder: unrecognized resource kind for %q", name)
		}
	}
	return resources, nil
}
