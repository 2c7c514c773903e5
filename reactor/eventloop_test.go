package reactor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/fake"
	"github.com/momentics/vdisplay/reactor"
)

type recordingDispatcher struct {
	mu          sync.Mutex
	events      []api.Event
	fatals      []error
	dispatchErr error
}

func (d *recordingDispatcher) DispatchEvent(ev api.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.dispatchErr
}

func (d *recordingDispatcher) Fatal(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fatals = append(d.fatals, err)
}

func (d *recordingDispatcher) snapshot() ([]api.Event, []error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]api.Event(nil), d.events...), append([]error(nil), d.fatals...)
}

func openFakeDevice(t *testing.T, opts ...fake.Option) *fake.Device {
	t.Helper()
	dev, err := fake.NewBinding(opts...).OpenDevice(0)
	require.NoError(t, err)
	return dev.(*fake.Device)
}

func TestPollOnceDispatchesInDriverOrder(t *testing.T) {
	dev := openFakeDevice(t)
	require.NoError(t, dev.Connect(nil, 0)) // queues the preferred mode

	disp := &recordingDispatcher{}
	loop := reactor.New(dev, disp)

	dev.EmitCrtcState(true)
	dev.EmitDPMS(api.DPMSStandby)

	n, err := loop.PollOnce(api.NonBlocking())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, fatals := disp.snapshot()
	require.Len(t, events, 1)
	assert.IsType(t, api.ModeChangedEvent{}, events[0])
	assert.Empty(t, fatals)

	// Informational events arrive on the notification channel, in order.
	ev := <-loop.Notifications()
	assert.Equal(t, api.CrtcStateEvent{Enabled: true}, ev)
	ev = <-loop.Notifications()
	assert.Equal(t, api.DpmsEvent{Level: api.DPMSStandby}, ev)
}

func TestPollOnceNoEvent(t *testing.T) {
	dev := openFakeDevice(t)
	loop := reactor.New(dev, &recordingDispatcher{})

	n, err := loop.PollOnce(api.NonBlocking())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = loop.PollOnce(api.Timeout(10 * time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotificationsDropWhenConsumerLags(t *testing.T) {
	dev := openFakeDevice(t)
	disp := &recordingDispatcher{}
	loop := reactor.New(dev, disp, reactor.WithNotificationBuffer(1))

	dev.EmitCrtcState(true)
	dev.EmitCrtcState(false)

	_, err := loop.PollOnce(api.NonBlocking())
	require.NoError(t, err)

	<-loop.Notifications()
	select {
	case ev := <-loop.Notifications():
		t.Fatalf("expected second notification dropped, got %v", ev)
	default:
	}
}

func TestPollErrorIsFatal(t *testing.T) {
	dev := openFakeDevice(t)
	disp := &recordingDispatcher{}
	loop := reactor.New(dev, disp)

	dev.RemoveDevice()

	_, err := loop.PollOnce(api.NonBlocking())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrDriverDisconnected))

	_, fatals := disp.snapshot()
	require.Len(t, fatals, 1)

	// The loop stays failed; Fatal is delivered once.
	_, err = loop.PollOnce(api.NonBlocking())
	assert.True(t, errors.Is(err, api.ErrDriverDisconnected))
	_, fatals = disp.snapshot()
	assert.Len(t, fatals, 1)
	assert.True(t, errors.Is(loop.Err(), api.ErrDriverDisconnected))
}

func TestDispatchErrorIsFatal(t *testing.T) {
	dev := openFakeDevice(t)
	disp := &recordingDispatcher{
		dispatchErr: api.NewError(api.ErrDriverDisconnected, "update for unknown slot"),
	}
	loop := reactor.New(dev, disp)

	require.NoError(t, dev.Connect(nil, 0))

	_, err := loop.PollOnce(api.NonBlocking())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrDriverDisconnected))

	_, fatals := disp.snapshot()
	assert.Len(t, fatals, 1)
}

func TestSinglePollerEnforced(t *testing.T) {
	dev := openFakeDevice(t)
	loop := reactor.New(dev, &recordingDispatcher{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = loop.PollOnce(api.Timeout(300 * time.Millisecond))
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := loop.PollOnce(api.NonBlocking())
	assert.True(t, errors.Is(err, api.ErrPollerActive))
	<-done
}

func TestRunStopsOnContextCancel(t *testing.T) {
	dev := openFakeDevice(t)
	loop := reactor.New(dev, &recordingDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	require.Eventually(t, loop.Running, time.Second, 5*time.Millisecond)

	// A second runner is refused outright.
	err := loop.Run(ctx)
	assert.True(t, errors.Is(err, api.ErrPollerActive))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.False(t, loop.Running())
}

func TestRunReturnsFatalError(t *testing.T) {
	dev := openFakeDevice(t)
	disp := &recordingDispatcher{}
	loop := reactor.New(dev, disp)

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	dev.RemoveDevice()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, api.ErrDriverDisconnected))
	case <-time.After(time.Second):
		t.Fatal("Run did not observe device removal")
	}
}
