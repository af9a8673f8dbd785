//go:build linux

package core

import "github.com/diagcore/canscope/transport"

func newSocketCAN(cfg Config) (transport.Adapter, error) {
	return transport.NewSocketCAN(cfg.Interface, cfg.EnableFD)
}
