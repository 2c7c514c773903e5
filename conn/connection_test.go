package conn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/conn"
	"github.com/momentics/vdisplay/device"
	"github.com/momentics/vdisplay/fake"
	"github.com/momentics/vdisplay/pool"
)

var fullHD = api.Mode{Width: 1920, Height: 1080, RefreshRate: 60, Format: api.FormatBGRA32}

type fixture struct {
	binding *fake.Binding
	dev     *fake.Device
	handle  *device.Handle
	conn    *conn.Connection
}

func setup(t *testing.T, opts ...fake.Option) *fixture {
	t.Helper()

	binding := fake.NewBinding(opts...)
	h, err := device.Open(binding, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	c, err := conn.New(h, conn.Options{
		ModeTimeout: 2 * time.Second,
		GracePeriod: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{binding: binding, dev: binding.Device(0), handle: h, conn: c}
}

// stream brings the fixture to Streaming with a pool of n buffers.
func (f *fixture) stream(t *testing.T, n int) *pool.Pool {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.conn.Connect())
	mode, err := f.conn.NegotiateMode(ctx, &fullHD)
	require.NoError(t, err)

	p, err := pool.New(n, mode)
	require.NoError(t, err)
	require.NoError(t, f.conn.RegisterBuffers(p))
	require.Equal(t, conn.StateStreaming, f.conn.State())
	return p
}

func TestFullStreamingLifecycle(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 2)

	frame, err := f.conn.RequestUpdate(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, frame.Valid())

	// A full HD BGRA frame is exactly 1920*1080*4 bytes.
	assert.Equal(t, 1920*1080*4, len(frame.Bytes()))

	// The first update damages the whole frame.
	damage := frame.Damage()
	require.Len(t, damage, 1)
	assert.Equal(t, int32(1920), damage[0].Dx())
	assert.Equal(t, int32(1080), damage[0].Dy())

	require.NoError(t, frame.Release())

	// Repeated updates keep cycling buffers.
	for i := 0; i < 5; i++ {
		frame, err := f.conn.RequestUpdate(context.Background(), time.Second)
		require.NoError(t, err)
		require.NoError(t, frame.Release())
	}
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, uint64(6), f.dev.FrameCount())
}

func TestNegotiatedModeRoundTrip(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.conn.Connect())

	mode, err := f.conn.NegotiateMode(context.Background(), &fullHD)
	require.NoError(t, err)
	assert.True(t, mode.Compatible(fullHD))

	active, ok := f.conn.Mode()
	require.True(t, ok)
	assert.Equal(t, mode, active)
}

func TestNegotiateAdoptsPreferredMode(t *testing.T) {
	preferred := api.Mode{Width: 2560, Height: 1440, RefreshRate: 75, Format: api.FormatBGRA32}
	f := setup(t, fake.WithPreferredMode(preferred))
	require.NoError(t, f.conn.Connect())

	mode, err := f.conn.NegotiateMode(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, preferred, mode)
	assert.Equal(t, conn.StateModeNegotiating, f.conn.State())
}

func TestNegotiateUnsupportedModeFails(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.conn.Connect())

	bogus := api.Mode{Width: 333, Height: 222, RefreshRate: 60, Format: api.FormatBGRA32}
	_, err := f.conn.NegotiateMode(context.Background(), &bogus)
	assert.True(t, errors.Is(err, api.ErrModeNegotiationFailed))
}

func TestNegotiateBeforeConnectIsMisuse(t *testing.T) {
	f := setup(t)
	_, err := f.conn.NegotiateMode(context.Background(), &fullHD)
	assert.True(t, errors.Is(err, api.ErrInvalidState))
}

func TestConnectTwiceFails(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.conn.Connect())

	err := f.conn.Connect()
	assert.True(t, errors.Is(err, api.ErrConnectFailed))
}

func TestConnectRefusedByDriver(t *testing.T) {
	f := setup(t, fake.WithConnectError(errors.New("driver refused EDID")))
	err := f.conn.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrConnectFailed))
	assert.Equal(t, conn.StateDisconnected, f.conn.State())
}

func TestRegisterBuffersSizeMismatch(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.conn.Connect())
	_, err := f.conn.NegotiateMode(context.Background(), &fullHD)
	require.NoError(t, err)

	smaller, err := pool.New(2, api.Mode{Width: 1280, Height: 720, RefreshRate: 60, Format: api.FormatBGRA32})
	require.NoError(t, err)

	err = f.conn.RegisterBuffers(smaller)
	assert.True(t, errors.Is(err, api.ErrBufferSizeMismatch))
}

func TestRequestUpdateWithoutFreeBufferFailsFast(t *testing.T) {
	f := setup(t)
	f.stream(t, 1)
	f.dev.SetStall(true)

	// The only buffer goes to the driver and stays there.
	_, err := f.conn.BeginUpdate()
	require.NoError(t, err)

	start := time.Now()
	_, err = f.conn.BeginUpdate()
	assert.True(t, errors.Is(err, api.ErrNoFreeBuffer))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "backpressure must not block")
}

func TestUpdateTimeoutAndLateCompletion(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 1)
	f.dev.SetStall(true)

	_, err := f.conn.RequestUpdate(context.Background(), 50*time.Millisecond)
	assert.True(t, errors.Is(err, api.ErrUpdateTimeout))

	// The slot is still owned by the driver; no free buffer yet.
	_, err = f.conn.BeginUpdate()
	assert.True(t, errors.Is(err, api.ErrNoFreeBuffer))

	// When the late completion arrives the abandoned slot is reclaimed.
	f.dev.SetStall(false)
	f.dev.CompleteStalled(0)
	_, err = f.conn.EventLoop().PollOnce(api.NonBlocking())
	require.NoError(t, err)

	s, err := p.State(0)
	require.NoError(t, err)
	assert.Equal(t, pool.SlotFree, s)

	frame, err := f.conn.RequestUpdate(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, frame.Release())
}

func TestTimeoutRacingCompletionReclaimsSlot(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 1)

	f.dev.SetStall(true)
	req, err := f.conn.BeginUpdate()
	require.NoError(t, err)

	// The completion is dispatched before the consumer ever waits, so its
	// result sits buffered when the deadline fires.
	f.dev.SetStall(false)
	f.dev.CompleteStalled(0)
	_, err = f.conn.EventLoop().PollOnce(api.NonBlocking())
	require.NoError(t, err)

	frame, err := req.Await(context.Background(), time.Nanosecond)
	if err != nil {
		require.True(t, errors.Is(err, api.ErrUpdateTimeout))
	} else {
		require.NoError(t, frame.Release())
	}

	// Either way the slot must be back in rotation.
	s, err := p.State(0)
	require.NoError(t, err)
	assert.Equal(t, pool.SlotFree, s)

	next, err := f.conn.RequestUpdate(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, next.Release())
}

func TestCancelWhileDriverWritesIsDeferred(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 1)

	f.dev.SetStall(true)
	req, err := f.conn.BeginUpdate()
	require.NoError(t, err)
	require.NoError(t, req.Cancel())

	// The driver may be mid-write; the buffer cannot be reclaimed yet.
	s, err := p.State(0)
	require.NoError(t, err)
	assert.Equal(t, pool.SlotAwaitingDriver, s)
	_, err = f.conn.BeginUpdate()
	assert.True(t, errors.Is(err, api.ErrNoFreeBuffer))

	// The late completion returns the abandoned slot to the pool.
	f.dev.SetStall(false)
	f.dev.CompleteStalled(0)
	_, err = f.conn.EventLoop().PollOnce(api.NonBlocking())
	require.NoError(t, err)

	s, err = p.State(0)
	require.NoError(t, err)
	assert.Equal(t, pool.SlotFree, s)
}

func TestCancelAfterCompletionFreesSlotImmediately(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 1)

	req, err := f.conn.BeginUpdate()
	require.NoError(t, err)
	_, err = f.conn.EventLoop().PollOnce(api.NonBlocking())
	require.NoError(t, err)

	require.NoError(t, req.Cancel())

	s, err := p.State(0)
	require.NoError(t, err)
	assert.Equal(t, pool.SlotFree, s)
}

func TestConcurrentWaitersShareThePoller(t *testing.T) {
	f := setup(t)
	f.stream(t, 2)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			frame, err := f.conn.RequestUpdate(context.Background(), 2*time.Second)
			if err == nil {
				err = frame.Release()
			}
			results <- err
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("waiter starved while sharing the poller")
		}
	}
}

func TestDisconnectMidFlight(t *testing.T) {
	f := setup(t)
	f.stream(t, 2)
	f.dev.SetStall(true)

	result := make(chan error, 1)
	go func() {
		_, err := f.conn.RequestUpdate(context.Background(), 5*time.Second)
		result <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.conn.Disconnect())

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, api.ErrDriverDisconnected))
	case <-time.After(time.Second):
		t.Fatal("pending request hung across disconnect")
	}
	assert.Equal(t, conn.StateClosed, f.conn.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := setup(t)
	f.stream(t, 1)

	require.NoError(t, f.conn.Disconnect())
	require.NoError(t, f.conn.Disconnect())
	assert.Equal(t, conn.StateClosed, f.conn.State())
}

func TestDisconnectBeforeConnect(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.conn.Disconnect())
	assert.Equal(t, conn.StateClosed, f.conn.State())
}

func TestDeviceRemovalFailsPendingRequest(t *testing.T) {
	f := setup(t)
	f.stream(t, 1)
	f.dev.SetStall(true)

	result := make(chan error, 1)
	go func() {
		_, err := f.conn.RequestUpdate(context.Background(), 5*time.Second)
		result <- err
	}()

	time.Sleep(30 * time.Millisecond)
	f.dev.RemoveDevice()

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, api.ErrDriverDisconnected))
	case <-time.After(time.Second):
		t.Fatal("pending request hung across device removal")
	}
	assert.Equal(t, conn.StateClosed, f.conn.State())

	// A torn-down connection rejects further work.
	_, err := f.conn.BeginUpdate()
	assert.True(t, errors.Is(err, api.ErrDriverDisconnected))
}

func TestDriverInitiatedModeChange(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 2)

	hd := api.Mode{Width: 1280, Height: 720, RefreshRate: 60, Format: api.FormatBGRA32}
	f.dev.EmitModeChanged(hd)
	_, err := f.conn.EventLoop().PollOnce(api.NonBlocking())
	require.NoError(t, err)

	// The stream drops back to negotiation and the old pool is dead.
	assert.Equal(t, conn.StateModeNegotiating, f.conn.State())
	assert.True(t, errors.Is(p.Submit(0, func() error { return nil }), api.ErrHandleClosed))

	// Re-negotiating and re-registering resumes streaming.
	mode, err := f.conn.NegotiateMode(context.Background(), &hd)
	require.NoError(t, err)

	p2, err := pool.New(2, mode)
	require.NoError(t, err)
	require.NoError(t, f.conn.RegisterBuffers(p2))

	frame, err := f.conn.RequestUpdate(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, hd.FrameBytes(), len(frame.Bytes()))
	require.NoError(t, frame.Release())
}

func TestHandleCloseInvalidatesConnection(t *testing.T) {
	f := setup(t)
	p := f.stream(t, 1)

	require.NoError(t, f.handle.Close())

	assert.Equal(t, conn.StateClosed, f.conn.State())
	_, err := f.conn.BeginUpdate()
	assert.True(t, errors.Is(err, api.ErrHandleClosed))

	// Derived buffers are invalid too.
	assert.True(t, errors.Is(p.Submit(0, func() error { return nil }), api.ErrHandleClosed))
}

func TestBackgroundEventLoop(t *testing.T) {
	f := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.conn.EventLoop().Run(ctx) }()
	require.Eventually(t, f.conn.EventLoop().Running, time.Second, 5*time.Millisecond)

	p := f.stream(t, 2)
	require.Equal(t, 2, p.Len())

	frame, err := f.conn.RequestUpdate(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, frame.Release())

	require.NoError(t, f.conn.Disconnect())
	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestCursorNotifications(t *testing.T) {
	f := setup(t)
	f.stream(t, 1)

	require.NoError(t, f.conn.EnableCursorEvents(true))
	f.dev.EmitCursor(true)

	_, err := f.conn.EventLoop().PollOnce(api.NonBlocking())
	require.NoError(t, err)

	select {
	case ev := <-f.conn.EventLoop().Notifications():
		assert.Equal(t, api.CursorEvent{Visible: true}, ev)
	default:
		t.Fatal("cursor notification not delivered")
	}
}
