package uds

import (
	"context"
	"errors"

	"github.com/diagcore/canscope/security"
)

// ReadDID wraps service 0x22 for a single 16-bit data identifier. The
// response payload still carries the echoed DID bytes, per the spec's
// "pass through payloads" rule for the DID services.
func (c *Client) ReadDID(ctx context.Context, did uint16) (*Response, error) {
	return c.Request(ctx, &Request{ServiceID: 0x22, Payload: []byte{byte(did >> 8), byte(did)}})
}

// WriteDID wraps service 0x2E for a single 16-bit data identifier.
func (c *Client) WriteDID(ctx context.Context, did uint16, data []byte) (*Response, error) {
	payload := append([]byte{byte(did >> 8), byte(did)}, data...)
	return c.Request(ctx, &Request{ServiceID: 0x2E, Payload: payload})
}

// ReadDTCInformation wraps service 0x19. subFunction selects the DTC
// report type (e.g. 0x02 reportDTCByStatusMask).
func (c *Client) ReadDTCInformation(ctx context.Context, subFunction byte, payload []byte) (*Response, error) {
	return c.Request(ctx, &Request{ServiceID: 0x19, SubFunction: &subFunction, Payload: payload})
}

// RoutineControl wraps service 0x31. controlType is 0x01 (start), 0x02
// (stop) or 0x03 (requestResults); routineID names the routine.
func (c *Client) RoutineControl(ctx context.Context, controlType byte, routineID uint16, data []byte) (*Response, error) {
	payload := append([]byte{byte(routineID >> 8), byte(routineID)}, data...)
	return c.Request(ctx, &Request{ServiceID: 0x31, SubFunction: &controlType, Payload: payload})
}

// SecurityAccess drives the 0x27 seed/key handshake: request seed at
// level, compute the key with engine/algo, and send it back at level+1.
// An all-zero seed means "already unlocked"; the key step is skipped.
func (c *Client) SecurityAccess(ctx context.Context, engine *security.Engine, level byte, algo security.Algorithm) (*Response, error) {
	return c.securityAccess(ctx, level, func(seed []byte) ([]byte, error) {
		return engine.Compute(algo, seed)
	})
}

// SecurityAccessExternal drives the same handshake through an opaque
// security.Provider instead of a built-in algorithm.
func (c *Client) SecurityAccessExternal(ctx context.Context, engine *security.Engine, level byte, provider security.Provider) (*Response, error) {
	return c.securityAccess(ctx, level, func(seed []byte) ([]byte, error) {
		key, err := engine.ComputeExternal(ctx, provider, level, seed)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
}

func (c *Client) securityAccess(ctx context.Context, level byte, compute func(seed []byte) ([]byte, error)) (*Response, error) {
	seedResp, err := c.Request(ctx, &Request{ServiceID: 0x27, SubFunction: &level})
	if err != nil {
		return nil, err
	}
	if security.IsAllZero(seedResp.Payload) {
		c.session.SetSecurityLevel(level)
		return seedResp, nil
	}

	key, err := compute(seedResp.Payload)
	if err != nil {
		return nil, errSecurityCompute(err)
	}

	keyLevel := level + 1
	resp, err := c.Request(ctx, &Request{ServiceID: 0x27, SubFunction: &keyLevel, Payload: key})
	if err != nil {
		var neg *NegativeError
		if errors.As(err, &neg) {
			return nil, neg
		}
		return nil, err
	}
	c.session.SetSecurityLevel(level)
	return resp, nil
}
