package chat

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amritsingh183/chat-server/internal/telemetry"
)

type harness struct {
	broker   *Broker
	registry *Registry
	room     *Room
	shutdown chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	room := NewRoom(16)
	registry := NewRegistry(0, telemetry.NewNop())
	broker := NewBroker(room, registry, telemetry.NewNop(), false)
	go broker.Run()
	t.Cleanup(broker.Shutdown)
	return &harness{broker: broker, registry: registry, room: room, shutdown: make(chan struct{})}
}

func dialConnection(t *testing.T, h *harness) (client net.Conn, wait func()) {
	t.Helper()
	client, _, wait = dialConnectionWithOutboundCapacity(t, h, 0)
	return client, wait
}

func dialConnectionWithOutboundCapacity(t *testing.T, h *harness, outboundCapacity int) (client net.Conn, conn *Connection, wait func()) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := NewConnection(serverSide, h.broker, h.registry, telemetry.NewNop(), 0, 0, outboundCapacity, h.shutdown)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()
	return clientSide, c, func() { <-done }
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func TestConnectionJoinEcho(t *testing.T) {
	h := newHarness(t)
	client, wait := dialConnection(t, h)
	defer client.Close()
	r := bufio.NewReader(client)

	_, err := client.Write([]byte("JOIN|alice\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r))

	_, err = client.Write([]byte("LEAVE\n"))
	require.NoError(t, err)
	wait()
}

func TestConnectionDuplicateUsernameRejected(t *testing.T) {
	h := newHarness(t)
	c1, wait1 := dialConnection(t, h)
	defer c1.Close()
	r1 := bufio.NewReader(c1)
	_, err := c1.Write([]byte("JOIN|bob\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r1))

	c2, wait2 := dialConnection(t, h)
	defer c2.Close()
	r2 := bufio.NewReader(c2)
	_, err = c2.Write([]byte("JOIN|BOB\n"))
	require.NoError(t, err)
	line := readLine(t, r2)
	assert.Contains(t, line, "ERR|")
	assert.Contains(t, line, "already taken")

	_, _ = c1.Write([]byte("LEAVE\n"))
	_, _ = c2.Write([]byte("LEAVE\n"))
	wait1()
	wait2()
}

func TestConnectionBroadcastReachesOtherJoinedClients(t *testing.T) {
	h := newHarness(t)
	a, waitA := dialConnection(t, h)
	defer a.Close()
	ra := bufio.NewReader(a)
	_, err := a.Write([]byte("JOIN|alex\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, ra))

	b, waitB := dialConnection(t, h)
	defer b.Close()
	rb := bufio.NewReader(b)
	_, err = b.Write([]byte("JOIN|blair\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, rb))

	// a observes blair's JOINED event queued on its outbound.
	assert.Equal(t, "JOINED|blair", readLine(t, ra))

	_, err = a.Write([]byte("SEND|a|b|c\n"))
	require.NoError(t, err)

	line := readLine(t, rb)
	assert.Equal(t, "BROADCAST|alex|a|b|c", line)

	_, _ = a.Write([]byte("LEAVE\n"))
	_, _ = b.Write([]byte("LEAVE\n"))
	waitA()
	waitB()
}

func TestConnectionOversizedLineGetsError(t *testing.T) {
	h := newHarness(t)
	client, wait := dialConnection(t, h)
	defer client.Close()
	r := bufio.NewReader(client)

	_, err := client.Write([]byte("JOIN|oversize\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r))

	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'x'
	}
	big[len(big)-1] = '\n'
	_, err = client.Write(big)
	require.NoError(t, err)
	assert.Equal(t, "ERR|message too long", readLine(t, r))

	_, err = client.Write([]byte("SEND|ok\n"))
	require.NoError(t, err)

	_, _ = client.Write([]byte("LEAVE\n"))
	wait()
}

func TestConnectionUnauthenticatedRejectsNonJoin(t *testing.T) {
	h := newHarness(t)
	client, wait := dialConnection(t, h)
	defer client.Close()
	r := bufio.NewReader(client)

	_, err := client.Write([]byte("SEND|hi\n"))
	require.NoError(t, err)
	assert.Equal(t, "ERR|must join first", readLine(t, r))

	_, err = client.Write([]byte("JOIN|later\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r))

	_, _ = client.Write([]byte("LEAVE\n"))
	wait()
}

func TestConnectionClientCloseTearsDownSilently(t *testing.T) {
	h := newHarness(t)
	client, wait := dialConnection(t, h)
	r := bufio.NewReader(client)

	_, err := client.Write([]byte("JOIN|ghost\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r))

	client.Close()
	wait()

	size, err := h.registry.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestConnectionRepeatedJoinIsRejected(t *testing.T) {
	h := newHarness(t)
	client, wait := dialConnection(t, h)
	defer client.Close()
	r := bufio.NewReader(client)

	_, err := client.Write([]byte("JOIN|dana\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r))

	_, err = client.Write([]byte("JOIN|dana2\n"))
	require.NoError(t, err)
	assert.Equal(t, "ERR|already joined", readLine(t, r))

	_, _ = client.Write([]byte("LEAVE\n"))
	wait()
}

func TestConnectionLeavePublishesLeftAfterUnregister(t *testing.T) {
	h := newHarness(t)
	a, waitA := dialConnection(t, h)
	defer a.Close()
	ra := bufio.NewReader(a)
	_, err := a.Write([]byte("JOIN|remy\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, ra))

	b, waitB := dialConnection(t, h)
	defer b.Close()
	rb := bufio.NewReader(b)
	_, err = b.Write([]byte("JOIN|sam\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, rb))
	assert.Equal(t, "JOINED|sam", readLine(t, ra))

	_, err = a.Write([]byte("LEAVE\n"))
	require.NoError(t, err)
	waitA()

	assert.Equal(t, "LEFT|remy", readLine(t, rb))

	_, _ = b.Write([]byte("LEAVE\n"))
	waitB()
}

func TestConnectionUsesConfiguredOutboundCapacity(t *testing.T) {
	h := newHarness(t)
	client, conn, wait := dialConnectionWithOutboundCapacity(t, h, 3)
	defer client.Close()
	r := bufio.NewReader(client)

	_, err := client.Write([]byte("JOIN|cap\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK", readLine(t, r))

	assert.Equal(t, 3, cap(conn.outbound), "NewConnection must thread its outboundCapacity into NewOutboundQueue rather than falling back to the default")

	_, _ = client.Write([]byte("LEAVE\n"))
	wait()
}
