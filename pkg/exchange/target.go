package exchange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/spcomms/pkg/message"
)

// TargetID is the stable logical identity of one SP: the board type and
// the slot it sits in. Its network endpoint may change; its TargetID does not.
type TargetID struct {
	Type message.SpType
	Slot uint16
}

// String returns the "type-slot" form, e.g. "sled-14".
func (t TargetID) String() string {
	return fmt.Sprintf("%s-%d", t.Type, t.Slot)
}

// ParseTargetID parses the String form of a TargetID.
func ParseTargetID(s string) (TargetID, error) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 {
		return TargetID{}, fmt.Errorf("exchange: invalid target %q", s)
	}
	typ, err := message.ParseSpType(s[:i])
	if err != nil {
		return TargetID{}, fmt.Errorf("exchange: invalid target %q: %w", s, err)
	}
	slot, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return TargetID{}, fmt.Errorf("exchange: invalid target slot %q: %w", s, err)
	}
	return TargetID{Type: typ, Slot: uint16(slot)}, nil
}

// TargetIDOf returns the TargetID an SP reports in its identity.
func TargetIDOf(id message.SpIdentity) TargetID {
	return TargetID{Type: id.Type, Slot: id.Slot}
}
