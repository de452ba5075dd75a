package hardware

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/slot-iocard/internal/errors"
)

func newTestCard(opts ...CardOption) (*Card, *fakeDialer, *eventRecorder) {
	d := &fakeDialer{}
	c := NewCard(ProtocolV1, d.dial, opts...)
	rec := &eventRecorder{}
	c.Subscribe(rec.handle)
	return c, d, rec
}

func TestCardConnect(t *testing.T) {
	t.Run("重复连接返回错误", func(t *testing.T) {
		c, _, rec := newTestCard()
		require.NoError(t, c.Connect("/dev/ttyUSB0", 0))
		assert.True(t, c.IsConnected())

		port, baud := c.Port()
		assert.Equal(t, "/dev/ttyUSB0", port)
		assert.Equal(t, 115200, baud)

		err := c.Connect("/dev/ttyUSB1", 0)
		assert.True(t, errors.Is(err, errors.ErrAlreadyConnected))
		assert.Equal(t, []string{"connected"}, rec.names())
	})

	t.Run("打开失败不留状态", func(t *testing.T) {
		d := &fakeDialer{}
		c := NewCard(ProtocolV1, func() (Link, error) {
			l, _ := d.dial()
			l.(*fakeLink).openErr = stderrors.New("permission denied")
			return l, nil
		})
		rec := &eventRecorder{}
		c.Subscribe(rec.handle)

		err := c.Connect("/dev/ttyUSB0", 9600)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
		assert.False(t, c.IsConnected())
		assert.Empty(t, rec.names())
		assert.False(t, c.GetInfo())
	})

	t.Run("创建链路失败", func(t *testing.T) {
		d := &fakeDialer{err: stderrors.New("no codec")}
		c := NewCard(nil, d.dial)
		err := c.Connect("/dev/ttyUSB0", 0)
		assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
		assert.Same(t, ProtocolV1, c.Protocol())
	})
}

func TestCardDisconnect(t *testing.T) {
	c, d, rec := newTestCard()
	assert.False(t, c.Disconnect())

	require.NoError(t, c.Connect("COM3", 0))
	link := d.last()

	assert.True(t, c.Disconnect())
	assert.False(t, c.Disconnect())
	assert.True(t, link.isClosed())
	assert.Equal(t, []string{"connected", "disconnected"}, rec.names())

	dis := rec.all()[1].(Disconnected)
	assert.NoError(t, dis.Err)

	port, baud := c.Port()
	assert.Empty(t, port)
	assert.Zero(t, baud)
}

func TestCardSendWhileDisconnected(t *testing.T) {
	var hooked int
	c, _, _ := newTestCard(WithSendHook(func(Command, QueuePosition) { hooked++ }))

	assert.False(t, c.GetInfo())
	assert.False(t, c.EjectCoin(0xC0, 1))

	ok, err := c.WriteStorage(0x0100, []byte{1})
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Zero(t, hooked)
}

func TestCardSendPositions(t *testing.T) {
	var hooked []CommandKind
	c, d, _ := newTestCard(WithSendHook(func(cmd Command, _ QueuePosition) { hooked = append(hooked, cmd.Kind) }))
	require.NoError(t, c.Connect("COM3", 0))
	link := d.last()

	assert.True(t, c.GetInfo())
	assert.True(t, c.EjectCoin(0xC0, 2))
	ok, err := c.SetOutput([]byte{0x01})
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = c.Reboot()
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedCommand))

	ok, err = c.SetOutput(make([]byte, 300))
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrArgumentOutOfRange))

	sent := link.frames()
	require.Len(t, sent, 3)
	assert.Equal(t, byte(0x01), sent[0].Frame.ID)
	assert.Equal(t, QueueBack, sent[0].Pos)
	assert.Equal(t, byte(0x40), sent[1].Frame.ID)
	assert.Equal(t, QueueFront, sent[1].Pos)
	assert.Equal(t, QueueBack, sent[2].Pos)
	assert.Equal(t, []CommandKind{CmdGetInfo, CmdEjectCoin, CmdSetOutput}, hooked)

	ok, err = c.SendAt(GetKeys{}, QueueFront)
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, QueueFront, link.frames()[3].Pos)
}

func TestCardCoinCounterAck(t *testing.T) {
	c, d, rec := newTestCard()
	cache := NewStateCache()
	cache.SetCard(c)
	require.NoError(t, c.Connect("COM3", 0))
	link := d.last()

	link.deliver(frameOf(t, ProtocolV1, CoinCounterResult{Track: 0x00, Coins: 5}))
	link.deliver(frameOf(t, ProtocolV1, CoinCounterResult{Track: 0x00, Coins: 9}))

	var acks []sentFrame
	for _, s := range link.frames() {
		if s.Frame.ID == 0x00 {
			acks = append(acks, s)
		}
	}
	require.Len(t, acks, 2)
	for _, a := range acks {
		assert.Equal(t, QueueFront, a.Pos)
		assert.Empty(t, a.Frame.Args)
	}
	assert.Equal(t, uint32(9), cache.GetCoinCounter(0x00))

	names := rec.names()
	assert.Equal(t, []string{"connected", "coin_counter", "coin_counter"}, names)
}

func TestCardStaleLink(t *testing.T) {
	c, d, rec := newTestCard()
	require.NoError(t, c.Connect("COM3", 0))
	old := d.last()
	require.True(t, c.Disconnect())
	require.NoError(t, c.Connect("COM4", 0))
	current := d.last()
	require.NotSame(t, old, current)

	old.deliver(frameOf(t, ProtocolV1, CoinCounterResult{Track: 1, Coins: 3}))
	old.fail(errors.New(errors.ErrSerialPortRead))

	assert.True(t, c.IsConnected())
	assert.Equal(t, []string{"connected", "disconnected", "connected"}, rec.names())
	assert.Empty(t, current.frames())
}

func TestCardLinkError(t *testing.T) {
	c, d, rec := newTestCard()
	require.NoError(t, c.Connect("COM3", 0))
	link := d.last()

	link.fail(errors.Wrap(stderrors.New("device unplugged"), errors.ErrSerialPortRead))

	assert.False(t, c.IsConnected())
	assert.True(t, link.isClosed())
	names := rec.names()
	require.Equal(t, []string{"connected", "disconnected"}, names)
	dis := rec.all()[1].(Disconnected)
	assert.True(t, errors.Is(dis.Err, errors.ErrSerialPortRead))
}

func TestCardUnknownFrame(t *testing.T) {
	c, d, rec := newTestCard()
	require.NoError(t, c.Connect("COM3", 0))

	d.last().deliver(ReceivedFrame{ID: 0x77, Args: argsOf([]byte{1})})
	evs := rec.all()
	require.Len(t, evs, 2)
	u, ok := evs[1].(Unknown)
	require.True(t, ok)
	assert.Equal(t, byte(0x77), u.ID)
}

func TestCardObserverPanic(t *testing.T) {
	c, _, rec := newTestCard()
	c.Subscribe(func(Event) { panic("boom") })
	after := &eventRecorder{}
	sub := c.Subscribe(after.handle)

	require.NoError(t, c.Connect("COM3", 0))
	assert.Equal(t, []string{"connected"}, rec.names())
	assert.Equal(t, []string{"connected"}, after.names())

	sub.Unsubscribe()
	sub.Unsubscribe()
	c.Disconnect()
	assert.Equal(t, []string{"connected"}, after.names())
}

func TestCardDisplayTime(t *testing.T) {
	c, _, _ := newTestCard()
	assert.True(t, c.DisplayTime(10).IsZero())
	require.NoError(t, c.Connect("COM3", 0))
	base := c.DisplayTime(0)
	assert.Equal(t, int64(1500), c.DisplayTime(1500).Sub(base).Milliseconds())
}
