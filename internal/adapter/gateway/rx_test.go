package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wirebot/internal/domain"
)

// recordingInbound captures what the receive loop hands over, in call order.
type recordingInbound struct {
	mu       sync.Mutex
	calls    []string
	messages []domain.Message
	err      error
}

func (r *recordingInbound) ObserveSequence(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("seq:%d", seq))
}

func (r *recordingInbound) HandleMessage(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "msg:"+msg.Op.String())
	r.messages = append(r.messages, msg)
	return r.err
}

func (r *recordingInbound) received() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages...)
}

func (r *recordingInbound) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func openSocket(t *testing.T) *fakeSocket {
	t.Helper()
	s := newFakeSocket()
	require.NoError(t, s.Connect(context.Background(), "wss://gateway.test"))
	return s
}

func startReceiver(t *testing.T, sock *fakeSocket, in Inbound, bufferSize int) (*Receiver, chan error) {
	t.Helper()
	stops := make(chan error, 1)
	r := NewReceiver(sock, in, bufferSize, func(err error) { stops <- err }, testLogger())
	r.Start(context.Background())
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
	})
	return r, stops
}

func TestReceiverReassemblesChunks(t *testing.T) {
	sock := openSocket(t)
	in := &recordingInbound{}
	startReceiver(t, sock, in, 4)

	frame := `{"op":0,"s":3,"t":"TYPING_START","d":{"user_id":"u1","channel_id":"c1","timestamp":1700000000}}`
	sock.push(frame)

	require.Eventually(t, func() bool { return len(in.received()) == 1 }, time.Second, 5*time.Millisecond)
	want, err := Decode([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, want, in.received()[0])
}

func TestReceiverSingleFinalChunk(t *testing.T) {
	sock := openSocket(t)
	in := &recordingInbound{}
	startReceiver(t, sock, in, DefaultBufferSize)

	sock.push(`{"op":11}`)
	sock.push(`{"op":10,"d":{"heartbeat_interval":45000}}`)

	require.Eventually(t, func() bool { return len(in.received()) == 2 }, time.Second, 5*time.Millisecond)
	got := in.received()
	assert.Equal(t, domain.OpHeartbeatACK, got[0].Op)
	assert.Equal(t, domain.Hello{HeartbeatInterval: 45000}, got[1].Data)
}

func TestReceiverSequenceBeforeHandling(t *testing.T) {
	sock := openSocket(t)
	in := &recordingInbound{}
	startReceiver(t, sock, in, 16)

	sock.push(`{"op":0,"s":5,"t":"RESUMED","d":{}}`)
	sock.push(`{"op":11}`)

	require.Eventually(t, func() bool { return len(in.callLog()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"seq:5", "msg:DISPATCH", "msg:HEARTBEAT_ACK"}, in.callLog())
}

func TestReceiverDecodeFailureStops(t *testing.T) {
	sock := openSocket(t)
	r, stops := startReceiver(t, sock, &recordingInbound{}, 8)

	sock.push(`{"op":10,"d":{`)
	select {
	case err := <-stops:
		assert.ErrorIs(t, err, domain.ErrDecode)
	case <-time.After(time.Second):
		t.Fatal("decode failure not reported")
	}
	<-r.Done()
	assert.False(t, r.Running())
}

func TestReceiverHandlerErrorStops(t *testing.T) {
	sock := openSocket(t)
	boom := errors.New("handler failed")
	_, stops := startReceiver(t, sock, &recordingInbound{err: boom}, 64)

	sock.push(`{"op":11}`)
	select {
	case err := <-stops:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("handler failure not reported")
	}
}

func TestReceiverSocketFailureStops(t *testing.T) {
	sock := openSocket(t)
	_, stops := startReceiver(t, sock, &recordingInbound{}, 64)

	closeErr := &domain.CloseError{Code: 4000, Reason: "unknown error"}
	sock.breakWith(closeErr)
	select {
	case err := <-stops:
		assert.ErrorIs(t, err, domain.ErrConnection)
		var ce *domain.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 4000, ce.Code)
	case <-time.After(time.Second):
		t.Fatal("socket failure not reported")
	}
}

func TestReceiverCancellationIsGraceful(t *testing.T) {
	sock := openSocket(t)
	r, stops := startReceiver(t, sock, &recordingInbound{}, 64)
	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	r.Stop()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("receiver did not exit")
	}
	select {
	case err := <-stops:
		t.Fatalf("cancellation reported as failure: %v", err)
	default:
	}
}

func TestReceiverInflatesBinaryMessages(t *testing.T) {
	sock := openSocket(t)
	sock.binary = true
	in := &recordingInbound{}
	startReceiver(t, sock, in, 8)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	sock.inbox <- buf.Bytes()

	require.Eventually(t, func() bool { return len(in.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.Hello{HeartbeatInterval: 41250}, in.received()[0].Data)
}
