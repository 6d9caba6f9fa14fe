package quicnet

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iselt/netsession/transport"
)

func TestDatagramHeader(t *testing.T) {
	d := transport.Delivery{Ordering: transport.Sequenced, Stream: 7}
	b := encodeDatagram(d, 42, []byte("payload"))
	require.Len(t, b, DatagramHeaderLen+len("payload"))

	got, seq, payload, err := decodeDatagram(b)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.Equal(t, uint32(42), seq)
	assert.Equal(t, []byte("payload"), payload)
}

func TestDecodeDatagramRejectsGarbage(t *testing.T) {
	_, _, _, err := decodeDatagram([]byte{0, 1})
	assert.Error(t, err)

	bad := encodeDatagram(transport.Delivery{}, 0, nil)
	bad[0] = 9
	_, _, _, err = decodeDatagram(bad)
	assert.Error(t, err)
}

func TestStreamFrames(t *testing.T) {
	d := transport.Delivery{Reliable: true, Ordering: transport.Ordered, Stream: 1}
	buf := streamHeader(d)
	buf = appendFrame(buf, []byte("first"))
	buf = appendFrame(buf, nil)
	buf = appendFrame(buf, bytes.Repeat([]byte{0xab}, 300))

	br := bufio.NewReader(bytes.NewReader(buf))
	got, err := readStreamHeader(br)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	f1, err := readFrame(br)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), f1)

	f2, err := readFrame(br)
	require.NoError(t, err)
	assert.Empty(t, f2)

	f3, err := readFrame(br)
	require.NoError(t, err)
	assert.Len(t, f3, 300)

	_, err = readFrame(br)
	assert.Error(t, err)
}
