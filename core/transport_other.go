//go:build !linux

package core

import (
	"fmt"

	"github.com/diagcore/canscope/transport"
)

func newSocketCAN(cfg Config) (transport.Adapter, error) {
	return nil, fmt.Errorf("core: socketcan transport is only available on linux")
}
