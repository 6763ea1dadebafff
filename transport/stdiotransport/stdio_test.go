package stdiotransport_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/toolgate/transport"
	"github.com/effective-security/toolgate/transport/stdiotransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartUnknownCommand(t *testing.T) {
	tr := stdiotransport.New("/no/such/binary")
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestVoluntaryExitFiresCloseHandlerOnce(t *testing.T) {
	tr := stdiotransport.New("/bin/sh", "-c", "exit 3")

	var fired atomic.Int32
	closed := make(chan struct{})
	tr.SetCloseHandler(func() {
		if fired.Add(1) == 1 {
			close(closed)
		}
	})

	require.NoError(t, tr.Start(context.Background()))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler did not fire after process exit")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	require.NoError(t, tr.Close())
}

func TestEchoRoundTrip(t *testing.T) {
	tr := stdiotransport.New("/bin/sh", "-c", "cat")

	received := make(chan *transport.Message, 1)
	tr.SetMessageHandler(func(_ context.Context, msg *transport.Message) {
		received <- msg
	})
	tr.SetCloseHandler(func() {})

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	out := transport.NewRequestMessage(&toolproto.Request{
		Jsonrpc: "2.0",
		Id:      1,
		Method:  toolproto.MethodPing,
	})
	require.NoError(t, tr.Send(context.Background(), out))

	select {
	case msg := <-received:
		require.Equal(t, transport.MessageTypeRequest, msg.Type)
		assert.Equal(t, toolproto.RequestId(1), msg.Request.Id)
		assert.Equal(t, toolproto.MethodPing, msg.Request.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed frame never arrived")
	}
}

func TestCompatibilityWrapperStillDelivers(t *testing.T) {
	// cat echoes the primed blank line first; the read loop must skip it
	// and still deliver real frames.
	tr := stdiotransport.New("cat").WithCompatibilityWrapper(true)

	received := make(chan *transport.Message, 1)
	tr.SetMessageHandler(func(_ context.Context, msg *transport.Message) {
		received <- msg
	})

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	out := transport.NewRequestMessage(&toolproto.Request{
		Jsonrpc: "2.0",
		Id:      5,
		Method:  toolproto.MethodListTools,
	})
	require.NoError(t, tr.Send(context.Background(), out))

	select {
	case msg := <-received:
		require.Equal(t, transport.MessageTypeRequest, msg.Type)
		assert.Equal(t, toolproto.RequestId(5), msg.Request.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered through wrapper")
	}
}

func TestMalformedFrameReported(t *testing.T) {
	tr := stdiotransport.New("/bin/sh", "-c", "echo garbage; cat")

	errs := make(chan error, 1)
	tr.SetErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "malformed frame")
	case <-time.After(2 * time.Second):
		t.Fatal("malformed frame was not reported")
	}
}

func TestCloseEscalatesToKill(t *testing.T) {
	// ignores SIGTERM and never reads stdin
	tr := stdiotransport.New("/bin/sh", "-c", `trap '' TERM; while :; do sleep 0.1; done`).
		WithShutdownGrace(100 * time.Millisecond)

	require.NoError(t, tr.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = tr.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not reap a stubborn process")
	}
}

func TestSendBeforeStart(t *testing.T) {
	tr := stdiotransport.New("cat")
	err := tr.Send(context.Background(), transport.NewRequestMessage(&toolproto.Request{
		Jsonrpc: "2.0",
		Id:      1,
		Method:  toolproto.MethodPing,
	}))
	require.Error(t, err)
}
