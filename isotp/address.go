package isotp

import "github.com/diagcore/canscope/frame"

// AddressingMode selects how ISO-TP maps a PDU onto CAN arbitration IDs
// and, where applicable, a payload prefix byte.
type AddressingMode int

const (
	Normal11Bit AddressingMode = iota
	Normal29Bit
	NormalFixed29Bit
	Extended11Bit
	Extended29Bit
	Mixed11Bit
	Mixed29Bit
)

// AddressType distinguishes a physical (1:1) request from a functional
// (1:many) one; only the arbitration ID computation differs.
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

const (
	normalFixedPhysicalPrefix   = 0x18DA0000
	normalFixedFunctionalPrefix = 0x18DB0000
	mixedPhysicalPrefix         = 0x18CE0000
	mixedFunctionalPrefix       = 0x18CD0000
)

// Address describes one endpoint's addressing scheme: the raw tx/rx CAN
// IDs for normal addressing, or the target/source/extension bytes used by
// the fixed and mixed 29-bit schemes.
type Address struct {
	Mode             AddressingMode
	TxID             uint32
	RxID             uint32
	TargetAddress    byte
	SourceAddress    byte
	AddressExtension byte
	is29Bit          bool
	txPayloadPrefix  []byte
	rxPrefixSize     int
}

// Option configures an Address at construction time.
type Option func(*Address)

func WithTxID(id uint32) Option       { return func(a *Address) { a.TxID = id } }
func WithRxID(id uint32) Option       { return func(a *Address) { a.RxID = id } }
func WithTargetAddress(b byte) Option { return func(a *Address) { a.TargetAddress = b } }
func WithSourceAddress(b byte) Option { return func(a *Address) { a.SourceAddress = b } }
func WithAddressExtension(b byte) Option {
	return func(a *Address) { a.AddressExtension = b }
}

// NewAddress builds an Address for the given mode and applies opts. It
// panics on an inconsistent configuration, matching the fail-fast style of
// ISO-TP address construction elsewhere in this stack: a broken address is
// a programming error, not a runtime condition callers should plan around.
func NewAddress(mode AddressingMode, opts ...Option) *Address {
	a := &Address{Mode: mode}
	for _, opt := range opts {
		opt(a)
	}
	switch mode {
	case Normal29Bit, NormalFixed29Bit, Extended29Bit, Mixed29Bit:
		a.is29Bit = true
	}

	switch mode {
	case Normal11Bit, Normal29Bit:
		if a.TxID == 0 || a.RxID == 0 {
			panic("isotp: txid and rxid required for normal addressing")
		}
		if a.TxID == a.RxID {
			panic("isotp: txid and rxid must differ")
		}
	case NormalFixed29Bit:
		if a.TargetAddress == 0 && a.SourceAddress == 0 {
			panic("isotp: target and source address required for normal fixed addressing")
		}
	case Extended11Bit, Extended29Bit:
		if a.TxID == 0 || a.RxID == 0 || a.TargetAddress == 0 || a.SourceAddress == 0 {
			panic("isotp: txid, rxid, target and source address required for extended addressing")
		}
		a.txPayloadPrefix = []byte{a.TargetAddress}
		a.rxPrefixSize = 1
	case Mixed11Bit:
		if a.TxID == 0 || a.RxID == 0 || a.AddressExtension == 0 {
			panic("isotp: txid, rxid and address extension required for mixed 11-bit addressing")
		}
		a.txPayloadPrefix = []byte{a.AddressExtension}
		a.rxPrefixSize = 1
	case Mixed29Bit:
		if a.TargetAddress == 0 || a.SourceAddress == 0 || a.AddressExtension == 0 {
			panic("isotp: target, source address and address extension required for mixed 29-bit addressing")
		}
		a.txPayloadPrefix = []byte{a.AddressExtension}
		a.rxPrefixSize = 1
	default:
		panic("isotp: unsupported addressing mode")
	}
	return a
}

// Is29Bit reports whether this address uses 29-bit (extended) CAN IDs.
func (a *Address) Is29Bit() bool { return a.is29Bit }

// TxPayloadPrefix returns the bytes (if any) that precede every outbound
// PCI byte for this addressing mode (the target address or address
// extension byte, for extended/mixed schemes).
func (a *Address) TxPayloadPrefix() []byte { return a.txPayloadPrefix }

// RxPrefixSize returns how many leading payload bytes must be stripped
// from an inbound frame before PCI parsing (1 for extended/mixed, 0 else).
func (a *Address) RxPrefixSize() int { return a.rxPrefixSize }

// GetTxArbitrationID computes the arbitration ID to use when sending with
// the given AddressType.
func (a *Address) GetTxArbitrationID(t AddressType) uint32 {
	switch a.Mode {
	case Normal11Bit, Normal29Bit, Extended11Bit, Extended29Bit, Mixed11Bit:
		return a.TxID
	case NormalFixed29Bit, Mixed29Bit:
		prefix := a.physicalPrefix()
		if t == Functional {
			prefix = a.functionalPrefix()
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	default:
		panic("isotp: unsupported addressing mode")
	}
}

// GetRxArbitrationID computes the arbitration ID expected when receiving
// with the given AddressType.
func (a *Address) GetRxArbitrationID(t AddressType) uint32 {
	switch a.Mode {
	case Normal11Bit, Normal29Bit, Extended11Bit, Extended29Bit, Mixed11Bit:
		return a.RxID
	case NormalFixed29Bit, Mixed29Bit:
		prefix := a.physicalPrefix()
		if t == Functional {
			prefix = a.functionalPrefix()
		}
		return prefix | (uint32(a.SourceAddress) << 8) | uint32(a.TargetAddress)
	default:
		panic("isotp: unsupported addressing mode")
	}
}

func (a *Address) physicalPrefix() uint32 {
	if a.Mode == Mixed29Bit {
		return mixedPhysicalPrefix
	}
	return normalFixedPhysicalPrefix
}

func (a *Address) functionalPrefix() uint32 {
	if a.Mode == Mixed29Bit {
		return mixedFunctionalPrefix
	}
	return normalFixedFunctionalPrefix
}

// IsForMe reports whether an inbound frame matches this address's rx
// arbitration ID (and, for extended/mixed schemes, its prefix byte).
func (a *Address) IsForMe(f frame.CanFrame) bool {
	if a.is29Bit != f.Extended {
		return false
	}
	switch a.Mode {
	case Normal11Bit, Normal29Bit:
		return f.ID == a.RxID
	case Extended11Bit, Extended29Bit:
		return f.ID == a.RxID && len(f.Data) > 0 && f.Data[0] == a.TargetAddress
	case Mixed11Bit:
		return f.ID == a.RxID && len(f.Data) > 0 && f.Data[0] == a.AddressExtension
	case NormalFixed29Bit:
		return (f.ID&0x1FFF0000 == a.physicalPrefix() || f.ID&0x1FFF0000 == a.functionalPrefix()) &&
			byte(f.ID>>8) == a.SourceAddress && byte(f.ID) == a.TargetAddress
	case Mixed29Bit:
		return len(f.Data) > 0 &&
			(f.ID&0x1FFF0000 == a.physicalPrefix() || f.ID&0x1FFF0000 == a.functionalPrefix()) &&
			byte(f.ID>>8) == a.SourceAddress && byte(f.ID) == a.TargetAddress &&
			f.Data[0] == a.AddressExtension
	default:
		return false
	}
}
