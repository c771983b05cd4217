package relay_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/socket-relay/internal/metrics"
	"github.com/omochice/socket-relay/internal/relay"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestRelay(t *testing.T) (*relay.Relay, *metrics.RelayMetrics) {
	t.Helper()
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	return relay.New(zaptest.NewLogger(t), m), m
}

// serve runs Handle on its own goroutine and returns its result channel.
func serve(ctx context.Context, r *relay.Relay, conn relay.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- r.Handle(ctx, conn)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("Handle did not return in time")
		return nil
	}
}

func waitClients(t *testing.T, r *relay.Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Registry().Len() == n }, waitFor, tick)
}

func waitWritten(t *testing.T, c *mockConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.GetWritten()) == n }, waitFor, tick)
}

func TestRelay_HelloWorldScenario(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	a := newMockConn("a")
	b := newMockConn("b")
	doneA := serve(ctx, r, a)
	doneB := serve(ctx, r, b)
	waitClients(t, r, 2)

	a.readCh <- relay.Text("hello")
	waitWritten(t, a, 1)
	waitWritten(t, b, 1)
	assert.Equal(t, []string{"hello"}, a.payloads())
	assert.Equal(t, []string{"hello"}, b.payloads())

	close(b.readCh)
	require.NoError(t, waitDone(t, doneB))
	waitClients(t, r, 1)
	assert.True(t, b.isClosed())

	a.readCh <- relay.Text("world")
	waitWritten(t, a, 2)
	assert.Equal(t, []string{"hello", "world"}, a.payloads())
	assert.Equal(t, []string{"hello"}, b.payloads())

	close(a.readCh)
	require.NoError(t, waitDone(t, doneA))
	assert.Equal(t, 0, r.Registry().Len())
}

func TestRelay_ConnectThenDisconnect(t *testing.T) {
	r, m := newTestRelay(t)
	a := newMockConn("a")
	close(a.readCh)

	err := r.Handle(context.Background(), a)

	require.NoError(t, err)
	assert.Equal(t, 0, r.Registry().Len())
	assert.True(t, a.isClosed())
	assert.Empty(t, a.GetWritten())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestRelay_EchoesToSender(t *testing.T) {
	r, _ := newTestRelay(t)
	a := newMockConn("a")
	done := serve(context.Background(), r, a)
	waitClients(t, r, 1)

	a.readCh <- relay.Binary([]byte{0x00, 0xff})
	waitWritten(t, a, 1)

	got := a.GetWritten()[0]
	assert.Equal(t, relay.KindBinary, got.Kind)
	assert.Equal(t, []byte{0x00, 0xff}, got.Payload)

	close(a.readCh)
	require.NoError(t, waitDone(t, done))
}

func TestRelay_PreservesKind(t *testing.T) {
	r, _ := newTestRelay(t)
	a := newMockConn("a")
	b := newMockConn("b")
	doneA := serve(context.Background(), r, a)
	doneB := serve(context.Background(), r, b)
	waitClients(t, r, 2)

	a.readCh <- relay.Text("t")
	a.readCh <- relay.Binary([]byte("b"))
	waitWritten(t, b, 2)

	got := b.GetWritten()
	assert.Equal(t, relay.KindText, got[0].Kind)
	assert.Equal(t, relay.KindBinary, got[1].Kind)

	close(a.readCh)
	close(b.readCh)
	require.NoError(t, waitDone(t, doneA))
	require.NoError(t, waitDone(t, doneB))
}

func TestRelay_SendFailureIsIsolated(t *testing.T) {
	r, m := newTestRelay(t)
	ctx := context.Background()

	a := newMockConn("a")
	b := newMockConn("b")
	broken := newMockConn("broken")
	broken.writeErr = errors.New("connection reset by peer")

	doneA := serve(ctx, r, a)
	doneB := serve(ctx, r, b)
	doneBroken := serve(ctx, r, broken)
	waitClients(t, r, 3)

	a.readCh <- relay.Text("first")
	waitWritten(t, a, 1)
	waitWritten(t, b, 1)

	// The sender's loop survives and keeps relaying.
	a.readCh <- relay.Text("second")
	waitWritten(t, a, 2)
	waitWritten(t, b, 2)
	assert.Equal(t, []string{"first", "second"}, b.payloads())
	assert.Empty(t, broken.GetWritten())
	assert.True(t, r.Registry().Len() == 3, "broken peer is removed only by its own loop")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("ok")))

	close(broken.readCh)
	close(a.readCh)
	close(b.readCh)
	require.NoError(t, waitDone(t, doneBroken))
	require.NoError(t, waitDone(t, doneA))
	require.NoError(t, waitDone(t, doneB))
	assert.Equal(t, 0, r.Registry().Len())
}

func TestRelay_PreservesSenderOrder(t *testing.T) {
	r, _ := newTestRelay(t)
	a := newMockConn("a")
	b := newMockConn("b")
	doneA := serve(context.Background(), r, a)
	doneB := serve(context.Background(), r, b)
	waitClients(t, r, 2)

	var want []string
	for i := 0; i < 10; i++ {
		s := fmt.Sprintf("msg-%d", i)
		want = append(want, s)
		a.readCh <- relay.Text(s)
	}
	waitWritten(t, b, 10)
	assert.Equal(t, want, b.payloads())
	assert.Equal(t, want, a.payloads())

	close(a.readCh)
	close(b.readCh)
	require.NoError(t, waitDone(t, doneA))
	require.NoError(t, waitDone(t, doneB))
}

func TestRelay_LateJoinerMissesEarlierMessages(t *testing.T) {
	r, _ := newTestRelay(t)
	a := newMockConn("a")
	doneA := serve(context.Background(), r, a)
	waitClients(t, r, 1)

	a.readCh <- relay.Text("before")
	waitWritten(t, a, 1)

	late := newMockConn("late")
	doneLate := serve(context.Background(), r, late)
	waitClients(t, r, 2)

	a.readCh <- relay.Text("after")
	waitWritten(t, late, 1)
	assert.Equal(t, []string{"after"}, late.payloads())

	close(a.readCh)
	close(late.readCh)
	require.NoError(t, waitDone(t, doneA))
	require.NoError(t, waitDone(t, doneLate))
}

func TestRelay_ReadErrorEndsOnlyThatLoop(t *testing.T) {
	r, _ := newTestRelay(t)
	a := newMockConn("a")
	doneA := serve(context.Background(), r, a)
	waitClients(t, r, 1)

	bad := newMockConn("bad")
	readErr := errors.New("protocol violation")
	bad.readErr = readErr

	err := r.Handle(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, readErr)
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, r.Registry().Len())

	a.readCh <- relay.Text("still here")
	waitWritten(t, a, 1)

	close(a.readCh)
	require.NoError(t, waitDone(t, doneA))
}

func TestRelay_ContextCancelClosesConnection(t *testing.T) {
	r, m := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())

	a := newMockConn("a")
	b := newMockConn("b")
	doneA := serve(ctx, r, a)
	doneB := serve(ctx, r, b)
	waitClients(t, r, 2)

	cancel()

	require.NoError(t, waitDone(t, doneA))
	require.NoError(t, waitDone(t, doneB))
	assert.Equal(t, 0, r.Registry().Len())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestRelay_Broadcast(t *testing.T) {
	r, _ := newTestRelay(t)
	a := newMockConn("a")
	b := newMockConn("b")
	b.writeErr = errors.New("gone")
	doneA := serve(context.Background(), r, a)
	doneB := serve(context.Background(), r, b)
	waitClients(t, r, 2)

	d := r.Broadcast(context.Background(), relay.Text("notice"))

	assert.Equal(t, relay.Delivery{Delivered: 1, Failed: 1}, d)
	assert.Equal(t, []string{"notice"}, a.payloads())

	close(a.readCh)
	close(b.readCh)
	require.NoError(t, waitDone(t, doneA))
	require.NoError(t, waitDone(t, doneB))
}

func TestRelay_NilMetrics(t *testing.T) {
	r := relay.New(nil, nil)
	a := newMockConn("a")
	a.readCh <- relay.Text("x")
	close(a.readCh)

	require.NoError(t, r.Handle(context.Background(), a))
	assert.Equal(t, []string{"x"}, a.payloads())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "text", relay.KindText.String())
	assert.Equal(t, "binary", relay.KindBinary.String())
	assert.Equal(t, "unknown", relay.Kind(42).String())
}
