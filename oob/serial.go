package oob

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
)

const frameStart = 0x7e

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ErrBadFrame is returned by DecodeFrame for corrupt frames.
var ErrBadFrame = errors.New("bad oob frame")

// SerialChannel writes the exchange data to a UART, framed as
// 0x7e | length (2 bytes BE) | data | crc16 (2 bytes BE).
type SerialChannel struct {
	Options serial.OpenOptions

	open func(serial.OpenOptions) (io.ReadWriteCloser, error)
}

// NewSerialChannel returns a channel for the given port.
func NewSerialChannel(port string, baud uint) *SerialChannel {
	return &SerialChannel{
		Options: serial.OpenOptions{
			PortName:              port,
			BaudRate:              baud,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       0,
			InterCharacterTimeout: 100,
		},
		open: serial.Open,
	}
}

func (s *SerialChannel) CompleteOobDataExchange(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	open := s.open
	if open == nil {
		open = serial.Open
	}
	port, err := open(s.Options)
	if err != nil {
		return errors.Wrapf(err, "open %s", s.Options.PortName)
	}

	done := make(chan error, 1)
	go func() {
		_, err := port.Write(EncodeFrame(data))
		done <- err
	}()

	select {
	case err = <-done:
		if cerr := port.Close(); err == nil {
			err = cerr
		}
		return errors.Wrapf(err, "write %s", s.Options.PortName)
	case <-ctx.Done():
		port.Close()
		return ctx.Err()
	}
}

// EncodeFrame wraps data for the serial link.
func EncodeFrame(data []byte) []byte {
	b := make([]byte, 3, 3+len(data)+2)
	b[0] = frameStart
	binary.BigEndian.PutUint16(b[1:], uint16(len(data)))
	b = append(b, data...)
	return binary.BigEndian.AppendUint16(b, crc16.Checksum(data, crcTable))
}

// DecodeFrame unwraps a frame written by EncodeFrame.
func DecodeFrame(b []byte) ([]byte, error) {
	if len(b) < 5 || b[0] != frameStart {
		return nil, errors.Wrap(ErrBadFrame, "header")
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) != 3+n+2 {
		return nil, errors.Wrapf(ErrBadFrame, "length %d, frame %d", n, len(b))
	}
	data := b[3 : 3+n]
	if crc16.Checksum(data, crcTable) != binary.BigEndian.Uint16(b[3+n:]) {
		return nil, errors.Wrap(ErrBadFrame, "crc")
	}
	return append([]byte(nil), data...), nil
}
