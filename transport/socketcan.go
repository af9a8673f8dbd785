//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/diagcore/canscope/frame"
)

const (
	canMTU   = 16 // struct can_frame
	canfdMTU = 72 // struct canfd_frame

	canfdFlag = 0x04 // CANFD_FDF: frame carries an FD frame, not classic
	canEFFBit = 0x80000000
	canRTRBit = 0x40000000
	canErrBit = 0x20000000
	canIDMask = 0x1FFFFFFF
)

// SocketCAN binds a raw CAN_RAW socket to a named interface (e.g. "can0").
// Recv must only be called from a single goroutine; Send serializes
// internally under a mutex so it may be called concurrently with Recv.
type SocketCAN struct {
	mu    sync.Mutex
	fd    int
	state LinkState
	fd_   bool // whether to read/write the larger FD frame layout
}

// NewSocketCAN opens and binds a CAN_RAW socket on ifname. If enableFD is
// true, the socket opts into receiving/sending CAN-FD frames.
func NewSocketCAN(ifname string, enableFD bool) (*SocketCAN, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}

	ifr, err := unix.NewIfreq(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: SIOCGIFINDEX: %w", err)
	}
	ifindex := ifr.Uint32()

	if enableFD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("socketcan: CAN_RAW_FD_FRAMES: %w", err)
		}
	}

	addr := &unix.SockaddrCAN{Ifindex: int(ifindex)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind: %w", err)
	}

	return &SocketCAN{fd: fd, state: Connected, fd_: enableFD}, nil
}

// SetFilter installs a receive filter list, limiting which arbitration IDs
// reach Recv. Passing nil clears any previously installed filter.
func (s *SocketCAN) SetFilter(filters []unix.CanFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(filters) == 0 {
		return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, nil)
	}
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}

// Recv blocks until a frame arrives or ctx is done. It is the only method
// on this type meant to be called from the dispatcher's receive loop.
func (s *SocketCAN) Recv(ctx context.Context) (frame.CanFrame, error) {
	s.mu.Lock()
	fd := s.fd
	state := s.state
	s.mu.Unlock()
	if state != Connected {
		return frame.CanFrame{}, ErrTransportDisconnected
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = unix.SetNonblock(fd, false)
		tv := unix.NsecToTimeval(time.Until(deadline).Nanoseconds())
		_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	}

	buf := make([]byte, canfdMTU)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return frame.CanFrame{}, ErrTransportTimeout
		}
		s.mu.Lock()
		s.state = ErrorState
		s.mu.Unlock()
		return frame.CanFrame{}, fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	if n < canMTU {
		return frame.CanFrame{}, ErrTransportTimeout
	}
	return decodeFrame(buf[:n]), nil
}

func decodeFrame(buf []byte) frame.CanFrame {
	rawID := binary.LittleEndian.Uint32(buf[0:4])
	isFD := len(buf) >= canfdMTU
	dlc := buf[4]

	f := frame.CanFrame{
		ID:       rawID & canIDMask,
		Extended: rawID&canEFFBit != 0,
		FD:       isFD,
		Error:    rawID&canErrBit != 0,
	}
	dataOff := 8
	if isFD {
		f.DLC = dlc
		f.Data = append([]byte(nil), buf[dataOff:dataOff+int(dlc)]...)
	} else {
		length := dlc
		if length > 8 {
			length = 8
		}
		f.DLC = length
		f.Data = append([]byte(nil), buf[dataOff:dataOff+int(length)]...)
	}
	f.Timestamp = time.Now().UnixMicro()
	f.Direction = frame.RX
	return f
}

// Send writes f to the bus. Classic frames are always written as 16-byte
// struct can_frame records; FD frames require the socket to have been
// opened with enableFD.
func (s *SocketCAN) Send(f frame.CanFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return ErrTransportDisconnected
	}

	id := f.ID & canIDMask
	if f.Extended {
		id |= canEFFBit
	}

	var buf []byte
	if f.FD && s.fd_ {
		buf = make([]byte, canfdMTU)
		binary.LittleEndian.PutUint32(buf[0:4], id)
		buf[4] = f.DLC
		buf[5] = canfdFlag
		copy(buf[8:], f.Data)
	} else {
		buf = make([]byte, canMTU)
		binary.LittleEndian.PutUint32(buf[0:4], id)
		dlc := f.DLC
		if dlc > 8 {
			dlc = 8
		}
		buf[4] = dlc
		copy(buf[8:], f.Data)
	}

	_, err := unix.Write(s.fd, buf)
	if err != nil {
		s.state = ErrorState
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	return nil
}

func (s *SocketCAN) State() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SocketCAN) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return nil
	}
	s.state = Disconnected
	return unix.Close(s.fd)
}
