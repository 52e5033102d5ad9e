package frame

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	b := Encode(0x1E, []byte{0xAA, 0xBB})
	require.Equal(t, []byte{10, 0, 0, 0, 0x1E, 0, 0, 0, 0xAA, 0xBB}, b)
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		{0x00},
		[]byte("CUSA10000"),
		make([]byte, 4096),
	}

	for _, payload := range payloads {
		dec := &Decoder{}
		dec.Feed(Encode(0x14, payload))

		f, err := dec.Next()
		require.NoError(t, err)
		require.NotNil(t, f)
		require.Equal(t, uint32(0x14), f.Op)
		require.Equal(t, len(payload), len(f.Payload))

		// stream is drained
		f, err = dec.Next()
		require.NoError(t, err)
		require.Nil(t, f)
	}
}

func TestChunkedStream(t *testing.T) {
	b := append(Encode(1, []byte("first")), Encode(2, []byte("second"))...)

	dec := &Decoder{}

	var frames []*Frame
	for _, chunk := range [][]byte{b[:3], b[3:9], b[9:20], b[20:]} {
		dec.Feed(chunk)
		for {
			f, err := dec.Next()
			require.NoError(t, err)
			if f == nil {
				break
			}
			frames = append(frames, f)
		}
	}

	require.Len(t, frames, 2)
	require.Equal(t, uint32(1), frames[0].Op)
	require.Equal(t, "first", string(frames[0].Payload))
	require.Equal(t, uint32(2), frames[1].Op)
	require.Equal(t, "second", string(frames[1].Payload))
}

func TestMalformed(t *testing.T) {
	// declared length above the sane maximum
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, MaxFrameSize+1)

	dec := &Decoder{}
	dec.Feed(b)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrMalformed)

	// declared length below the header size
	binary.LittleEndian.PutUint32(b, 4)
	dec.Reset()
	dec.Feed(b)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNeedMoreData(t *testing.T) {
	b := Encode(7, []byte{1, 2, 3, 4})

	dec := &Decoder{}
	for i := 0; i < len(b)-1; i++ {
		dec.Feed(b[i : i+1])
		f, err := dec.Next()
		require.NoError(t, err)
		require.Nil(t, f)
	}

	dec.Feed(b[len(b)-1:])
	f, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
}
