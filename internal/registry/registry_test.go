package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAgentConn struct {
	id          uuid.UUID
	closed      bool
	closeReason string
	dispatched  []string
}

func (f *fakeAgentConn) MachineID() uuid.UUID { return f.id }
func (f *fakeAgentConn) Close(reason string)  { f.closed = true; f.closeReason = reason }
func (f *fakeAgentConn) Dispatch(msgType string, data any) error {
	f.dispatched = append(f.dispatched, msgType)
	return nil
}

type fakeWebConn struct {
	id     string
	closed bool
	sent   []string
}

func (f *fakeWebConn) ClientID() string      { return f.id }
func (f *fakeWebConn) Close(reason string)   { f.closed = true }
func (f *fakeWebConn) Send(msgType string, data any) { f.sent = append(f.sent, msgType) }

func runTestRegistry(t *testing.T) (*Registry, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(zap.NewNop())
	go r.Run(ctx)
	return r, cancel
}

func TestRegisterAndLookupAgent(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	machineID := uuid.New()
	conn := &fakeAgentConn{id: machineID}
	r.RegisterAgent(conn)

	require.Eventually(t, func() bool {
		_, ok := r.LookupAgent(machineID)
		return ok
	}, time.Second, time.Millisecond)

	got, ok := r.LookupAgent(machineID)
	assert.True(t, ok)
	assert.Equal(t, conn, got)
}

func TestRegisterAgentSupersedesExisting(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	machineID := uuid.New()
	first := &fakeAgentConn{id: machineID}
	r.RegisterAgent(first)
	require.Eventually(t, func() bool {
		_, ok := r.LookupAgent(machineID)
		return ok
	}, time.Second, time.Millisecond)

	second := &fakeAgentConn{id: machineID}
	r.RegisterAgent(second)

	require.Eventually(t, func() bool {
		return first.closed
	}, time.Second, time.Millisecond)
	assert.Equal(t, "superseded", first.closeReason)

	got, ok := r.LookupAgent(machineID)
	assert.True(t, ok)
	assert.Equal(t, second, got)
}

func TestUnregisterAgentIgnoresStaleSupersededConnection(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	machineID := uuid.New()
	first := &fakeAgentConn{id: machineID}
	second := &fakeAgentConn{id: machineID}

	r.RegisterAgent(first)
	require.Eventually(t, func() bool { _, ok := r.LookupAgent(machineID); return ok }, time.Second, time.Millisecond)

	r.RegisterAgent(second)
	require.Eventually(t, func() bool { c, _ := r.LookupAgent(machineID); return c == second }, time.Second, time.Millisecond)

	// A stale unregister from the superseded connection must not evict `second`.
	r.UnregisterAgent(first)
	time.Sleep(20 * time.Millisecond)

	got, ok := r.LookupAgent(machineID)
	assert.True(t, ok)
	assert.Equal(t, second, got)
}

func TestUnregisterAgentRemovesCurrentConnection(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	machineID := uuid.New()
	conn := &fakeAgentConn{id: machineID}
	r.RegisterAgent(conn)
	require.Eventually(t, func() bool { _, ok := r.LookupAgent(machineID); return ok }, time.Second, time.Millisecond)

	r.UnregisterAgent(conn)
	require.Eventually(t, func() bool { _, ok := r.LookupAgent(machineID); return !ok }, time.Second, time.Millisecond)
}

func TestDispatchToAgentNotConnected(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	err := r.DispatchToAgent(uuid.New(), "execute_command", nil)
	assert.Error(t, err)
}

func TestDispatchToAgentConnected(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	machineID := uuid.New()
	conn := &fakeAgentConn{id: machineID}
	r.RegisterAgent(conn)
	require.Eventually(t, func() bool { _, ok := r.LookupAgent(machineID); return ok }, time.Second, time.Millisecond)

	require.NoError(t, r.DispatchToAgent(machineID, "execute_command", nil))
	assert.Contains(t, conn.dispatched, "execute_command")
}

func TestSendToWebClientMissingIsNoop(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()
	assert.NotPanics(t, func() { r.SendToWebClient("missing-client", "ping", nil) })
}

func TestBroadcastWebReachesAllConnectedClients(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	a := &fakeWebConn{id: "client-a"}
	b := &fakeWebConn{id: "client-b"}
	r.RegisterWebClient(a)
	r.RegisterWebClient(b)
	require.Eventually(t, func() bool { return r.ConnectedWebClientCount() == 2 }, time.Second, time.Millisecond)

	r.BroadcastWeb(func(c WebConn) { c.Send("machine_update", nil) })

	assert.Contains(t, a.sent, "machine_update")
	assert.Contains(t, b.sent, "machine_update")
}

func TestConnectedCounts(t *testing.T) {
	r, cancel := runTestRegistry(t)
	defer cancel()

	r.RegisterAgent(&fakeAgentConn{id: uuid.New()})
	r.RegisterWebClient(&fakeWebConn{id: "c1"})

	require.Eventually(t, func() bool {
		return r.ConnectedAgentCount() == 1 && r.ConnectedWebClientCount() == 1
	}, time.Second, time.Millisecond)
}

func TestShutdownClosesAllConnections(t *testing.T) {
	r, cancel := runTestRegistry(t)

	agentConn := &fakeAgentConn{id: uuid.New()}
	webConn := &fakeWebConn{id: "c1"}
	r.RegisterAgent(agentConn)
	r.RegisterWebClient(webConn)
	require.Eventually(t, func() bool {
		return r.ConnectedAgentCount() == 1 && r.ConnectedWebClientCount() == 1
	}, time.Second, time.Millisecond)

	cancel()

	require.Eventually(t, func() bool { return agentConn.closed && webConn.closed }, time.Second, time.Millisecond)
}
