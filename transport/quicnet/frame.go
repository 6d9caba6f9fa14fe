package quicnet

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/iselt/netsession/transport"
)

const (
	// DatagramHeaderLen is [ordering][stream][seq u32].
	DatagramHeaderLen = 6
	streamHeaderLen   = 2

	// maxFrameLen bounds one length-prefixed frame on a reliable stream.
	maxFrameLen = 1 << 20

	// maxDatagramPayload stays below the smallest QUIC datagram frame a path
	// with the minimum 1280-byte MTU can carry.
	maxDatagramPayload = 1100 - DatagramHeaderLen
)

var errFrameTooLarge = errors.New("quicnet: frame too large")

func encodeDatagram(d transport.Delivery, seq uint32, payload []byte) []byte {
	buf := make([]byte, DatagramHeaderLen+len(payload))
	buf[0] = byte(d.Ordering)
	buf[1] = d.Stream
	binary.BigEndian.PutUint32(buf[2:6], seq)
	copy(buf[DatagramHeaderLen:], payload)
	return buf
}

func decodeDatagram(b []byte) (transport.Delivery, uint32, []byte, error) {
	if len(b) < DatagramHeaderLen {
		return transport.Delivery{}, 0, nil, fmt.Errorf("quicnet: short datagram (%d bytes)", len(b))
	}
	ord := transport.Ordering(b[0])
	if ord > transport.Ordered {
		return transport.Delivery{}, 0, nil, fmt.Errorf("quicnet: unknown ordering %d", b[0])
	}
	d := transport.Delivery{Ordering: ord, Stream: b[1]}
	return d, binary.BigEndian.Uint32(b[2:6]), b[DatagramHeaderLen:], nil
}

func streamHeader(d transport.Delivery) []byte {
	return []byte{byte(d.Ordering), d.Stream}
}

func readStreamHeader(r io.Reader) (transport.Delivery, error) {
	var h [streamHeaderLen]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return transport.Delivery{}, err
	}
	ord := transport.Ordering(h[0])
	if ord > transport.Ordered {
		return transport.Delivery{}, fmt.Errorf("quicnet: unknown ordering %d", h[0])
	}
	return transport.Delivery{Reliable: true, Ordering: ord, Stream: h[1]}, nil
}

func appendFrame(b, payload []byte) []byte {
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
