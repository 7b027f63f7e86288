package scheduler

import (
	"sync"
	"testing"
	"time"

	mesos "github.com/mesos/mesos-go/mesosproto"
	"github.com/mesos/mesos-go/mesosutil"
	schedpkg "github.com/mesos/mesos-go/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailthru/relay.mesos/desiredstate"
	"github.com/sailthru/relay.mesos/offermatch"
	"github.com/sailthru/relay.mesos/taskbuilder"
)

// mockDriver is a minimal schedpkg.SchedulerDriver recording calls.
type mockDriver struct {
	mu       sync.Mutex
	launched []launchCall
	declined []*mesos.OfferID
	revived  int
	stopped  bool
}

type launchCall struct {
	offerIDs []*mesos.OfferID
	tasks    []*mesos.TaskInfo
}

func (m *mockDriver) Start() (mesos.Status, error) { return 0, nil }
func (m *mockDriver) Stop(failover bool) (mesos.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return 0, nil
}
func (m *mockDriver) Abort() (mesos.Status, error) { return 0, nil }
func (m *mockDriver) Join() (mesos.Status, error)  { return 0, nil }
func (m *mockDriver) Run() (mesos.Status, error)   { return 0, nil }
func (m *mockDriver) RequestResources([]*mesos.Request) (mesos.Status, error) {
	return 0, nil
}
func (m *mockDriver) LaunchTasks(offerIDs []*mesos.OfferID, tasks []*mesos.TaskInfo, filters *mesos.Filters) (mesos.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launched = append(m.launched, launchCall{offerIDs: offerIDs, tasks: tasks})
	return 0, nil
}
func (m *mockDriver) KillTask(*mesos.TaskID) (mesos.Status, error) { return 0, nil }
func (m *mockDriver) DeclineOffer(offerID *mesos.OfferID, filters *mesos.Filters) (mesos.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declined = append(m.declined, offerID)
	return 0, nil
}
func (m *mockDriver) ReviveOffers() (mesos.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revived++
	return 0, nil
}
func (m *mockDriver) SendFrameworkMessage(*mesos.ExecutorID, *mesos.SlaveID, string) (mesos.Status, error) {
	return 0, nil
}
func (m *mockDriver) ReconcileTasks([]*mesos.TaskStatus) (mesos.Status, error) {
	return 0, nil
}

var _ schedpkg.SchedulerDriver = (*mockDriver)(nil)

func newAgent(warmer, cooler string, maxFailures int) (*Agent, chan error) {
	sender := make(chan error, 16)
	delta := desiredstate.New()
	tmpl := taskbuilder.Template{
		Requirement: offermatch.Requirement{
			"cpus": {Kind: offermatch.Scalar, Scalar: 1},
			"mem":  {Kind: offermatch.Scalar, Scalar: 128},
		},
	}
	a := New("fw", warmer, cooler, tmpl, nil, maxFailures, delta, sender)
	return a, sender
}

func offerWithResources(id string, cpus, mem float64) *mesos.Offer {
	return &mesos.Offer{
		Id:        mesosutil.NewOfferID(id),
		SlaveId:   mesosutil.NewSlaveID("slave-" + id),
		Hostname:  strp("host-" + id),
		Resources: []*mesos.Resource{mesosutil.NewScalarResource("cpus", cpus), mesosutil.NewScalarResource("mem", mem)},
	}
}

func strp(s string) *string { return &s }

func TestSimpleWarmScenario(t *testing.T) {
	a, _ := newAgent("echo W", "echo C", -1)
	a.Delta.Write(3, 1)

	driver := &mockDriver{}
	offer := offerWithResources("o1", 4, 512)
	a.ResourceOffers(driver, []*mesos.Offer{offer})

	require.Len(t, driver.launched, 1)
	assert.Len(t, driver.launched[0].tasks, 3)
	for _, task := range driver.launched[0].tasks {
		assert.Equal(t, "echo W", task.GetCommand().GetValue())
	}
	read := a.Delta.Read()
	assert.Equal(t, int64(0), read.Count)
	assert.Equal(t, 1, driver.revived)
}

func TestPartialFillResidualRetainsSign(t *testing.T) {
	a, _ := newAgent("echo W", "echo C", -1)
	a.Delta.Write(5, 1)

	driver := &mockDriver{}
	offer := offerWithResources("o1", 2, 256) // capacity 2
	a.ResourceOffers(driver, []*mesos.Offer{offer})

	require.Len(t, driver.launched, 1)
	assert.Len(t, driver.launched[0].tasks, 2)
	read := a.Delta.Read()
	assert.Equal(t, int64(3), read.Count)
}

func TestAllOffersUnusableDeclinesAll(t *testing.T) {
	a, _ := newAgent("echo W", "echo C", -1)
	a.Delta.Write(3, 1)

	driver := &mockDriver{}
	offer := offerWithResources("o1", 0.1, 1) // short
	a.ResourceOffers(driver, []*mesos.Offer{offer})

	assert.Empty(t, driver.launched)
	assert.Len(t, driver.declined, 1)
}

func TestZeroDemandDeclinesUsableOffers(t *testing.T) {
	a, _ := newAgent("echo W", "echo C", -1)
	// DesiredDelta left at its zero value.

	driver := &mockDriver{}
	offer := offerWithResources("o1", 4, 512)
	a.ResourceOffers(driver, []*mesos.Offer{offer})

	assert.Empty(t, driver.launched)
	assert.Len(t, driver.declined, 1)
}

func TestStatusUpdateFailureTripsMaxFailures(t *testing.T) {
	a, sender := newAgent("echo W", "echo C", 3)
	driver := &mockDriver{}

	for i := 0; i < 3; i++ {
		a.StatusUpdate(driver, &mesos.TaskStatus{
			TaskId: &mesos.TaskID{Value: strp("t")},
			State:  mesos.TaskState_TASK_FAILED.Enum(),
		})
	}

	assert.True(t, driver.stopped)
	select {
	case err := <-sender:
		assert.IsType(t, &MaxFailuresError{}, err)
	case <-time.After(time.Second):
		t.Fatal("expected MaxFailuresError on exception channel")
	}
}

func TestStatusUpdateMaxFailuresDisabledNeverStops(t *testing.T) {
	a, _ := newAgent("echo W", "echo C", -1)
	driver := &mockDriver{}

	for i := 0; i < 100; i++ {
		a.StatusUpdate(driver, &mesos.TaskStatus{
			TaskId: &mesos.TaskID{Value: strp("t")},
			State:  mesos.TaskState_TASK_FAILED.Enum(),
		})
	}

	assert.False(t, driver.stopped)
}

func TestStoppedAgentDeclinesFurtherOffers(t *testing.T) {
	a, sender := newAgent("echo W", "echo C", 1)
	driver := &mockDriver{}

	a.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: strp("t")},
		State:  mesos.TaskState_TASK_FAILED.Enum(),
	})
	select {
	case <-sender:
	case <-time.After(time.Second):
		t.Fatal("expected MaxFailuresError on exception channel")
	}
	require.True(t, a.isStopped())

	a.Delta.Write(3, 1)
	offer := offerWithResources("o1", 4, 512)
	a.ResourceOffers(driver, []*mesos.Offer{offer})

	assert.Empty(t, driver.launched)
	assert.Len(t, driver.declined, 1)
}

func TestStoppedAgentIgnoresFurtherStatusUpdates(t *testing.T) {
	a, sender := newAgent("echo W", "echo C", 1)
	driver := &mockDriver{}

	a.StatusUpdate(driver, &mesos.TaskStatus{
		TaskId: &mesos.TaskID{Value: strp("t")},
		State:  mesos.TaskState_TASK_FAILED.Enum(),
	})
	select {
	case <-sender:
	case <-time.After(time.Second):
		t.Fatal("expected MaxFailuresError on exception channel")
	}

	// Further failures after STOPPED must not grow the failure counter or
	// send a second exception.
	for i := 0; i < 5; i++ {
		a.StatusUpdate(driver, &mesos.TaskStatus{
			TaskId: &mesos.TaskID{Value: strp("t")},
			State:  mesos.TaskState_TASK_FAILED.Enum(),
		})
	}

	select {
	case err := <-sender:
		t.Fatalf("unexpected second exception after STOPPED: %v", err)
	default:
	}
}

func TestRegisteredClosesReady(t *testing.T) {
	a, _ := newAgent("echo W", "echo C", -1)
	driver := &mockDriver{}

	select {
	case <-a.Ready():
		t.Fatal("should not be ready before Registered")
	default:
	}

	a.Registered(driver, &mesos.FrameworkID{Value: strp("fw-1")}, &mesos.MasterInfo{Hostname: strp("master")})

	select {
	case <-a.Ready():
	default:
		t.Fatal("should be ready after Registered")
	}
	assert.Equal(t, "fw-1", a.FrameworkID().GetValue())
}
