package wire

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCap struct {
	closed atomic.Int32
}

func (c *testCap) Close() error {
	c.closed.Add(1)
	return nil
}

func TestHeaderRoundTrip(t *testing.T) {

	input := Header{
		Txid:    0x0102030405060708,
		Ordinal: 0x1122334455667788,
		Flags:   FlagFlexible,
	}

	buf := make([]byte, HeaderSize)
	PutHeader(buf, input)

	output, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, input, output)
}

func TestParseHeaderTooShort(t *testing.T) {

	_, err := ParseHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestPutHeaderPanicsOnShortBuffer(t *testing.T) {

	defer func() {
		r := recover()
		require.NotNil(t, r)
	}()

	PutHeader(make([]byte, HeaderSize-1), Header{})
	assert.Fail(t, "should not reach")
}

func TestEncodeDecode(t *testing.T) {

	body := []byte("ping")
	data := Encode(Header{Txid: 7, Ordinal: 42}, body)
	require.Len(t, data, HeaderSize+len(body))

	msg, err := Decode(data, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), msg.Header.Txid)
	assert.Equal(t, uint64(42), msg.Header.Ordinal)
	assert.Equal(t, body, msg.Body)
	assert.False(t, msg.Header.IsEpitaph())
	assert.True(t, msg.Header.ExpectsReply())
}

func TestDecodeTooShortReleasesCapabilities(t *testing.T) {

	c := &testCap{}
	_, err := Decode(make([]byte, 3), []Capability{c})
	require.Error(t, err)
	assert.Equal(t, int32(1), c.closed.Load())
}

func TestEpitaphRoundTrip(t *testing.T) {

	data := EncodeEpitaph(StatusBadState)

	msg, err := Decode(data, nil)
	require.NoError(t, err)
	require.True(t, msg.Header.IsEpitaph())
	assert.Equal(t, FlagEpitaph, msg.Header.Flags&FlagEpitaph)
	assert.False(t, msg.Header.ExpectsReply())

	status, err := ParseEpitaph(msg)
	require.NoError(t, err)
	assert.Equal(t, StatusBadState, status)
}

func TestParseEpitaphRejectsMalformed(t *testing.T) {

	msg, err := Decode(Encode(Header{Ordinal: OrdinalEpitaph, Flags: FlagEpitaph}, []byte{0x00}), nil)
	require.NoError(t, err)

	_, err = ParseEpitaph(msg)
	require.Error(t, err)

	msg, err = Decode(Encode(Header{Ordinal: 9}, nil), nil)
	require.NoError(t, err)

	_, err = ParseEpitaph(msg)
	require.Error(t, err)
}

func TestTakeCapabilitiesMovesOwnership(t *testing.T) {

	a := &testCap{}
	b := &testCap{}
	msg := &Message{Capabilities: []Capability{a, b}}

	caps := msg.TakeCapabilities()
	require.Len(t, caps, 2)
	assert.Nil(t, msg.TakeCapabilities())

	msg.ReleaseCapabilities()
	assert.Equal(t, int32(0), a.closed.Load())

	ReleaseAll(caps)
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
}

func TestReleaseCapabilitiesIdempotent(t *testing.T) {

	c := &testCap{}
	msg := &Message{Capabilities: []Capability{c}}

	msg.ReleaseCapabilities()
	msg.ReleaseCapabilities()
	assert.Equal(t, int32(1), c.closed.Load())
}

func TestDescriptorCheckDefaults(t *testing.T) {

	var d TypeDescriptor
	assert.NoError(t, d.Check(1024, 4))
	assert.NoError(t, d.Check(MaxMessageSize-HeaderSize, MaxMessageCapabilities))
	assert.Error(t, d.Check(MaxMessageSize, 0))
	assert.Error(t, d.Check(0, MaxMessageCapabilities+1))
}

func TestDescriptorCheckNarrowed(t *testing.T) {

	d := TypeDescriptor{MaxSize: 16, MaxCapabilities: 1}
	assert.NoError(t, d.Check(16, 1))
	assert.Error(t, d.Check(17, 0))
	assert.Error(t, d.Check(0, 2))
}

func TestBufferPoolReuse(t *testing.T) {

	buf := GetBuffer(64)
	assert.Equal(t, 0, len(buf))
	assert.GreaterOrEqual(t, cap(buf), 64)
	PutBuffer(buf)

	big := GetBuffer(1 << 20)
	assert.GreaterOrEqual(t, cap(big), 1<<20)
	PutBuffer(big)
}
