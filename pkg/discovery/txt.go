package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/spcomms/pkg/message"
)

// TXT record keys of the _sp-mgmt._udp service.
const (
	// TXTKeySerial is the SP serial number.
	TXTKeySerial = "serial"

	// TXTKeyModel is the SP model (part number).
	TXTKeyModel = "model"

	// TXTKeyType is the SP board type: sled, switch or power.
	TXTKeyType = "type"

	// TXTKeySlot is the slot number within the board type.
	TXTKeySlot = "slot"

	// TXTKeyRevision is the hardware revision. Optional.
	TXTKeyRevision = "rev"
)

// EncodeTXT returns the TXT strings advertising identity.
func EncodeTXT(identity message.SpIdentity) []string {
	txt := []string{
		TXTKeyType + "=" + identity.Type.String(),
		TXTKeySlot + "=" + strconv.FormatUint(uint64(identity.Slot), 10),
		TXTKeySerial + "=" + identity.Serial,
	}
	if identity.Model != "" {
		txt = append(txt, TXTKeyModel+"="+identity.Model)
	}
	if identity.Revision != 0 {
		txt = append(txt, TXTKeyRevision+"="+strconv.FormatUint(uint64(identity.Revision), 10))
	}
	return txt
}

// ParseTXT parses TXT strings into a key-value map. Keys are
// case-insensitive and stored lowercase; a key without "=" maps to "".
// The first occurrence of a key wins.
func ParseTXT(txt []string) map[string]string {
	result := make(map[string]string, len(txt))
	for _, entry := range txt {
		if entry == "" {
			continue
		}
		key, value, _ := strings.Cut(entry, "=")
		key = strings.ToLower(key)
		if _, exists := result[key]; !exists {
			result[key] = value
		}
	}
	return result
}

// DecodeTXT extracts an SP identity from parsed TXT records. Type, slot and
// serial are required.
func DecodeTXT(txt map[string]string) (message.SpIdentity, error) {
	var id message.SpIdentity

	typ, ok := txt[TXTKeyType]
	if !ok {
		return id, fmt.Errorf("%w: missing %s", ErrInvalidTXTRecord, TXTKeyType)
	}
	t, err := message.ParseSpType(typ)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidTXTRecord, err)
	}
	id.Type = t

	slot, err := strconv.ParseUint(txt[TXTKeySlot], 10, 16)
	if err != nil {
		return id, fmt.Errorf("%w: bad %s %q", ErrInvalidTXTRecord, TXTKeySlot, txt[TXTKeySlot])
	}
	id.Slot = uint16(slot)

	id.Serial = txt[TXTKeySerial]
	if id.Serial == "" {
		return id, fmt.Errorf("%w: missing %s", ErrInvalidTXTRecord, TXTKeySerial)
	}
	id.Model = txt[TXTKeyModel]
	if len(id.Serial) > message.MaxStringLen || len(id.Model) > message.MaxStringLen {
		return id, fmt.Errorf("%w: field longer than %d bytes", ErrInvalidTXTRecord, message.MaxStringLen)
	}

	if rev, ok := txt[TXTKeyRevision]; ok {
		r, err := strconv.ParseUint(rev, 10, 32)
		if err != nil {
			return id, fmt.Errorf("%w: bad %s %q", ErrInvalidTXTRecord, TXTKeyRevision, rev)
		}
		id.Revision = uint32(r)
	}

	return id, nil
}
