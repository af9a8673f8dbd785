package isotp

import "time"

// Config holds the per-endpoint flow-control and timing parameters. Every
// field has a spec-compliant default via DefaultConfig.
type Config struct {
	PaddingByte byte
	BlockSize   byte          // 0 means "send/accept all remaining CFs without another FC"
	STmin       time.Duration // minimum gap this endpoint asks the peer to leave between CFs
	NCr         time.Duration // consecutive-frame wait timeout (receiver side)
	NBs         time.Duration // flow-control wait timeout (sender side)
	WftMax      int           // max consecutive FC(WAIT) frames tolerated
	FD          bool
	InboxDepth  int // bounded per-endpoint inbox depth
}

// DefaultConfig returns the spec's default timing: 0xCC padding, no block
// size limit, no enforced STmin, 1s N_Cr/N_Bs, 8 WAIT frames tolerated.
func DefaultConfig() Config {
	return Config{
		PaddingByte: 0xCC,
		BlockSize:   0,
		STmin:       0,
		NCr:         1000 * time.Millisecond,
		NBs:         1000 * time.Millisecond,
		WftMax:      8,
		InboxDepth:  64,
	}
}
