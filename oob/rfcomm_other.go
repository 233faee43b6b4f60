//go:build !linux

package oob

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rigado/companion"
)

// RfcommChannel is only available on linux.
type RfcommChannel struct {
	Remote  companion.Addr
	Channel uint8
}

func (r *RfcommChannel) CompleteOobDataExchange(ctx context.Context, data []byte) error {
	return errors.New("rfcomm is only available on linux")
}
