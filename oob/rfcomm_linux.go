//go:build linux

package oob

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/sliceops"
	"golang.org/x/sys/unix"
)

// RfcommChannel sends the exchange data to the phone over a classic
// Bluetooth RFCOMM connection.
type RfcommChannel struct {
	Remote  companion.Addr
	Channel uint8
}

func (r *RfcommChannel) CompleteOobDataExchange(ctx context.Context, data []byte) error {
	sa, err := r.sockaddr()
	if err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return errors.Wrap(err, "can't create socket")
	}

	done := make(chan error, 1)
	go func() {
		if err := unix.Connect(fd, sa); err != nil {
			done <- errors.Wrapf(err, "connect %s", r.Remote)
			return
		}
		for len(data) > 0 {
			n, err := unix.Write(fd, data)
			if err != nil {
				done <- errors.Wrap(err, "rfcomm write")
				return
			}
			data = data[n:]
		}
		done <- nil
	}()

	select {
	case err = <-done:
		unix.Close(fd)
		return err
	case <-ctx.Done():
		unix.Close(fd)
		return ctx.Err()
	}
}

func (r *RfcommChannel) sockaddr() (*unix.SockaddrRFCOMM, error) {
	if r.Remote == nil {
		return nil, errors.New("rfcomm: no remote address")
	}
	b := r.Remote.Bytes()
	if len(b) != 6 {
		return nil, errors.Errorf("rfcomm: invalid address %s", r.Remote)
	}

	sa := &unix.SockaddrRFCOMM{Channel: r.Channel}
	// bdaddr is little endian
	copy(sa.Addr[:], sliceops.SwapBuf(b))
	return sa, nil
}
