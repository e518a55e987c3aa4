package exchange

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/backkem/spcomms/pkg/message"
	"github.com/backkem/spcomms/pkg/tlv"
	"github.com/backkem/spcomms/pkg/transport"
)

// call performs a request and returns the reply body as T.
func call[T message.Body](ctx context.Context, s *SingleSp, body message.Body, expected message.Kind) (T, error) {
	var zero T
	msg, err := s.Request(ctx, body, expected)
	if err != nil {
		return zero, err
	}
	resp, ok := msg.Body.(T)
	if !ok {
		return zero, &UnexpectedResponseError{Expected: expected, Got: msg.Kind()}
	}
	return resp, nil
}

// Discover asks the target at its current endpoint to identify itself.
func (s *SingleSp) Discover(ctx context.Context) (*message.DiscoverResponse, error) {
	return call[*message.DiscoverResponse](ctx, s, &message.Discover{}, message.KindDiscoverResponse)
}

// State returns the SP's identity, firmware and power state.
func (s *SingleSp) State(ctx context.Context) (*message.SpStateResponse, error) {
	return call[*message.SpStateResponse](ctx, s, &message.SpState{}, message.KindSpStateResponse)
}

// PowerState returns the host power state.
func (s *SingleSp) PowerState(ctx context.Context) (message.PowerState, error) {
	resp, err := call[*message.PowerStateResponse](ctx, s, &message.PowerStateQuery{}, message.KindPowerStateResponse)
	if err != nil {
		return 0, err
	}
	return resp.State, nil
}

// SetPowerState moves the host to state. It reports whether the state
// changed; setting the current state is not an error.
func (s *SingleSp) SetPowerState(ctx context.Context, state message.PowerState) (bool, error) {
	resp, err := call[*message.SetPowerStateAck](ctx, s, &message.SetPowerState{State: state}, message.KindSetPowerStateAck)
	if err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// ResetPrepare arms the SP for a ResetTrigger.
func (s *SingleSp) ResetPrepare(ctx context.Context) error {
	_, err := call[*message.ResetPrepareAck](ctx, s, &message.ResetPrepare{}, message.KindResetPrepareAck)
	return err
}

// ResetTrigger reboots the SP. The SP usually resets before acknowledging,
// so the request keeps retrying for ResetTimeout; an SP that came back up
// and reports ResetTriggerWithoutPrepare has reset and counts as success.
func (s *SingleSp) ResetTrigger(ctx context.Context) error {
	policy := s.policy
	if n := s.backoff.AttemptsWithin(policy, s.resetTimeout); n > policy.MaxAttempts {
		policy.MaxAttempts = n
	}

	_, err := s.exchange(ctx, &message.ResetTrigger{}, nil, message.KindResetTriggerAck, policy)
	if IsSpError(err, message.ErrorCodeResetTriggerWithoutPrepare) {
		s.log.Infof("%s: SP reset before acknowledging", s.id)
		return nil
	}
	return err
}

// IgnitionState returns the state of one ignition target.
func (s *SingleSp) IgnitionState(ctx context.Context, target uint8) (message.IgnitionState, error) {
	resp, err := call[*message.IgnitionStateResponse](ctx, s, &message.IgnitionStateQuery{Target: target}, message.KindIgnitionStateResponse)
	if err != nil {
		return message.IgnitionState{}, err
	}
	if resp.Target != target {
		return message.IgnitionState{}, fmt.Errorf("%w: ignition state for target %d, asked for %d", ErrUnexpectedResponse, resp.Target, target)
	}
	return resp.State, nil
}

// IgnitionCommand sends a power command to one ignition target.
func (s *SingleSp) IgnitionCommand(ctx context.Context, target uint8, cmd message.IgnitionCommand) error {
	_, err := call[*message.IgnitionCommandAck](ctx, s, &message.IgnitionCommandRequest{Target: target, Command: cmd}, message.KindIgnitionCommandAck)
	return err
}

// Inventory returns every device the SP knows about.
func (s *SingleSp) Inventory(ctx context.Context) ([]tlv.Device, error) {
	var devices []tlv.Device
	err := paginate[*message.InventoryResponse](ctx, s,
		func(offset uint32) message.Body { return &message.Inventory{Offset: offset} },
		message.KindInventoryResponse,
		func(data []byte) (int, error) {
			page, err := tlv.DecodeDevices(data)
			devices = append(devices, page...)
			return len(page), err
		})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// BulkIgnitionState returns the state of every ignition target.
func (s *SingleSp) BulkIgnitionState(ctx context.Context) ([]tlv.Ignition, error) {
	var states []tlv.Ignition
	err := paginate[*message.BulkIgnitionStateResponse](ctx, s,
		func(offset uint32) message.Body { return &message.BulkIgnitionState{Offset: offset} },
		message.KindBulkIgnitionStateResponse,
		func(data []byte) (int, error) {
			page, err := tlv.DecodeIgnitions(data)
			states = append(states, page...)
			return len(page), err
		})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// paged is a response carrying one page of TLV items.
type paged interface {
	message.Body
	PageInfo() message.Page
}

// paginate requests pages until the SP's item total has been consumed.
// The total is taken from the first page and bounded by MaxPaginatedItems.
func paginate[T paged](
	ctx context.Context,
	s *SingleSp,
	request func(offset uint32) message.Body,
	expected message.Kind,
	consume func(data []byte) (int, error),
) error {
	var offset, total uint32
	for first := true; ; first = false {
		msg, err := s.Request(ctx, request(offset), expected)
		if err != nil {
			return err
		}
		resp, ok := msg.Body.(T)
		if !ok {
			return &UnexpectedResponseError{Expected: expected, Got: msg.Kind()}
		}

		page := resp.PageInfo()
		if first {
			if page.Total > MaxPaginatedItems {
				return fmt.Errorf("%w: SP reports %d", ErrTooManyItems, page.Total)
			}
			total = page.Total
		}
		if page.Offset != offset || page.Total != total {
			return fmt.Errorf("%w: got page %d/%d, want %d/%d", ErrPageMismatch, page.Offset, page.Total, offset, total)
		}

		n, err := consume(msg.Data)
		if err != nil {
			return err
		}
		if uint64(offset)+uint64(n) > uint64(total) {
			return fmt.Errorf("%w: page at %d holds %d items, total %d", ErrPageMismatch, offset, n, total)
		}
		offset += uint32(n)
		if offset == total {
			return nil
		}
		if n == 0 {
			return fmt.Errorf("%w: at item %d of %d", ErrNoProgress, offset, total)
		}
	}
}

// UpdatePrepare starts or resumes an update on the SP.
func (s *SingleSp) UpdatePrepare(ctx context.Context, req *message.UpdatePrepare) (*message.UpdatePrepareAck, error) {
	return call[*message.UpdatePrepareAck](ctx, s, req, message.KindUpdatePrepareAck)
}

// UpdateChunk sends one chunk of an update image.
func (s *SingleSp) UpdateChunk(ctx context.Context, req *message.UpdateChunk, data []byte) (*message.UpdateChunkAck, error) {
	msg, err := s.RequestData(ctx, req, data, message.KindUpdateChunkAck)
	if err != nil {
		return nil, err
	}
	return msg.Body.(*message.UpdateChunkAck), nil
}

// UpdateVerify asks the SP for the digest of the received image.
func (s *SingleSp) UpdateVerify(ctx context.Context, id message.UpdateID) (*message.UpdateVerifyResponse, error) {
	return call[*message.UpdateVerifyResponse](ctx, s, &message.UpdateVerify{ID: id}, message.KindUpdateVerifyResponse)
}

// UpdateStatus returns the SP's view of the update of one component.
func (s *SingleSp) UpdateStatus(ctx context.Context, component string) (*message.UpdateStatusResponse, error) {
	return call[*message.UpdateStatusResponse](ctx, s, &message.UpdateStatusQuery{Component: component}, message.KindUpdateStatusResponse)
}

// UpdateAbort cancels an update. The SP keeps the received data so the
// update can be resumed with the same id.
func (s *SingleSp) UpdateAbort(ctx context.Context, component string, id message.UpdateID) error {
	_, err := call[*message.UpdateAbortAck](ctx, s, &message.UpdateAbort{Component: component, ID: id}, message.KindUpdateAbortAck)
	return err
}

// ConsoleAttach attaches this host to the component's serial console.
func (s *SingleSp) ConsoleAttach(ctx context.Context, component string) error {
	_, err := call[*message.SerialConsoleAttachAck](ctx, s, &message.SerialConsoleAttach{Component: component}, message.KindSerialConsoleAttachAck)
	return err
}

// ConsoleWrite sends console input starting at offset. It returns the SP's
// furthest contiguous offset, which may be short of offset+len(data) when
// the SP's buffer is full.
func (s *SingleSp) ConsoleWrite(ctx context.Context, offset uint64, data []byte) (uint64, error) {
	msg, err := s.RequestData(ctx, &message.SerialConsoleWrite{Offset: offset}, data, message.KindSerialConsoleWriteAck)
	if err != nil {
		return 0, err
	}
	return msg.Body.(*message.SerialConsoleWriteAck).FurthestOffset, nil
}

// ConsoleKeepAlive keeps an idle console attachment from expiring.
func (s *SingleSp) ConsoleKeepAlive(ctx context.Context) error {
	_, err := call[*message.SerialConsoleKeepAliveAck](ctx, s, &message.SerialConsoleKeepAlive{}, message.KindSerialConsoleKeepAliveAck)
	return err
}

// ConsoleDetach releases the console attachment.
func (s *SingleSp) ConsoleDetach(ctx context.Context) error {
	_, err := call[*message.SerialConsoleDetachAck](ctx, s, &message.SerialConsoleDetach{}, message.KindSerialConsoleDetachAck)
	return err
}

// ConsoleBreak sends a serial break.
func (s *SingleSp) ConsoleBreak(ctx context.Context) error {
	_, err := call[*message.SerialConsoleBreakAck](ctx, s, &message.SerialConsoleBreak{}, message.KindSerialConsoleBreakAck)
	return err
}

// Locate broadcasts a Discover to dest and returns the endpoint of the first
// reply from this target. Replies from SPs reporting another identity are
// ignored. The broadcast is resent on the retry policy's deadlines.
func (s *SingleSp) Locate(ctx context.Context, dest net.Addr) (net.Addr, *message.DiscoverResponse, error) {
	c, err := s.mgr.Collect(ctx, &message.Discover{}, message.KindDiscoverResponse, dest)
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(s.backoff.Calculate(s.policy, attempt))
		addr, resp, err := s.awaitLocate(ctx, c, timer)
		timer.Stop()
		if err != nil || addr != nil {
			return addr, resp, err
		}
		if attempt >= s.policy.MaxAttempts {
			return nil, nil, &TimeoutError{Kind: message.KindDiscover, Attempts: attempt}
		}
		if err := c.Resend(); err != nil {
			return nil, nil, err
		}
	}
}

// awaitLocate waits for a matching reply until timer fires, returning a nil
// address on expiry.
func (s *SingleSp) awaitLocate(ctx context.Context, c *Collector, timer *time.Timer) (net.Addr, *message.DiscoverResponse, error) {
	for {
		select {
		case r, ok := <-c.Replies():
			if !ok {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				return nil, nil, ErrClosed
			}
			resp := r.Message.Body.(*message.DiscoverResponse)
			if TargetIDOf(resp.Identity) != s.id {
				s.log.Debugf("%s: ignoring discovery reply from %s at %v", s.id, TargetIDOf(resp.Identity), r.Addr)
				continue
			}
			return r.Addr, resp, nil
		case <-timer.C:
			return nil, nil, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-s.closeCh:
			return nil, nil, ErrClosed
		}
	}
}

// MonitorAddress rediscovers the target every interval and moves it when it
// answers from a new endpoint, for example after an SP reset picked up a
// new address. It runs until ctx ends.
func (s *SingleSp) MonitorAddress(ctx context.Context, interval time.Duration, dest net.Addr) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return ErrClosed
		case <-ticker.C:
		}

		addr, _, err := s.Locate(ctx, dest)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Debugf("%s: rediscovery failed: %v", s.id, err)
			continue
		}
		if transport.EndpointKey(addr) == transport.EndpointKey(s.Addr()) {
			continue
		}
		if err := s.mgr.SetTargetAddr(s.id, addr); err != nil {
			s.log.Warnf("%s: cannot move to %v: %v", s.id, addr, err)
		}
	}
}
