// Package message implements the management host to service processor
// wire protocol.
//
// Every datagram is a single envelope:
//
//	version (1) | kind (2, LE) | message id (4, LE) | body | trailing data
//
// The body layout is fixed per Kind, so every message has a size bound that
// is known without encoding it. Some kinds carry trailing data (console bytes,
// update chunks, TLV pages) which fills the remainder of the datagram up to
// MaxSerializedSize.
//
// The package provides:
//   - The message catalog as a closed set of Body implementations
//   - Deterministic encoding and strict decoding
//   - Sequence number allocation for request correlation
package message

import "fmt"

// Kind identifies the message variant carried in an envelope.
// Requests occupy 0x00xx, responses 0x01xx and SP-pushed events 0x02xx.
type Kind uint16

const (
	KindUnknown Kind = 0x0000

	// Requests sent by the management host.
	KindDiscover               Kind = 0x0001
	KindSpState                Kind = 0x0002
	KindInventory              Kind = 0x0003
	KindBulkIgnitionState      Kind = 0x0004
	KindPowerState             Kind = 0x0005
	KindSetPowerState          Kind = 0x0006
	KindResetPrepare           Kind = 0x0007
	KindResetTrigger           Kind = 0x0008
	KindIgnitionState          Kind = 0x0009
	KindIgnitionCommand        Kind = 0x000A
	KindSerialConsoleAttach    Kind = 0x000B
	KindSerialConsoleWrite     Kind = 0x000C
	KindSerialConsoleKeepAlive Kind = 0x000D
	KindSerialConsoleDetach    Kind = 0x000E
	KindSerialConsoleBreak     Kind = 0x000F
	KindUpdatePrepare          Kind = 0x0010
	KindUpdateChunk            Kind = 0x0011
	KindUpdateVerify           Kind = 0x0012
	KindUpdateStatus           Kind = 0x0013
	KindUpdateAbort            Kind = 0x0014

	// Responses sent by the SP.
	KindDiscoverResponse          Kind = 0x0101
	KindSpStateResponse           Kind = 0x0102
	KindInventoryResponse         Kind = 0x0103
	KindBulkIgnitionStateResponse Kind = 0x0104
	KindPowerStateResponse        Kind = 0x0105
	KindSetPowerStateAck          Kind = 0x0106
	KindResetPrepareAck           Kind = 0x0107
	KindResetTriggerAck           Kind = 0x0108
	KindIgnitionStateResponse     Kind = 0x0109
	KindIgnitionCommandAck        Kind = 0x010A
	KindSerialConsoleAttachAck    Kind = 0x010B
	KindSerialConsoleWriteAck     Kind = 0x010C
	KindSerialConsoleKeepAliveAck Kind = 0x010D
	KindSerialConsoleDetachAck    Kind = 0x010E
	KindSerialConsoleBreakAck     Kind = 0x010F
	KindUpdatePrepareAck          Kind = 0x0110
	KindUpdateChunkAck            Kind = 0x0111
	KindUpdateVerifyResponse      Kind = 0x0112
	KindUpdateStatusResponse      Kind = 0x0113
	KindUpdateAbortAck            Kind = 0x0114
	KindError                     Kind = 0x01FF

	// Events pushed by the SP without a matching request.
	KindSerialConsoleData Kind = 0x0201
	KindIgnitionChanged   Kind = 0x0202
	KindHostPhase2Request Kind = 0x0203
)

var kindNames = map[Kind]string{
	KindDiscover:                  "Discover",
	KindSpState:                   "SpState",
	KindInventory:                 "Inventory",
	KindBulkIgnitionState:         "BulkIgnitionState",
	KindPowerState:                "PowerState",
	KindSetPowerState:             "SetPowerState",
	KindResetPrepare:              "ResetPrepare",
	KindResetTrigger:              "ResetTrigger",
	KindIgnitionState:             "IgnitionState",
	KindIgnitionCommand:           "IgnitionCommand",
	KindSerialConsoleAttach:       "SerialConsoleAttach",
	KindSerialConsoleWrite:        "SerialConsoleWrite",
	KindSerialConsoleKeepAlive:    "SerialConsoleKeepAlive",
	KindSerialConsoleDetach:       "SerialConsoleDetach",
	KindSerialConsoleBreak:        "SerialConsoleBreak",
	KindUpdatePrepare:             "UpdatePrepare",
	KindUpdateChunk:               "UpdateChunk",
	KindUpdateVerify:              "UpdateVerify",
	KindUpdateStatus:              "UpdateStatus",
	KindUpdateAbort:               "UpdateAbort",
	KindDiscoverResponse:          "DiscoverResponse",
	KindSpStateResponse:           "SpStateResponse",
	KindInventoryResponse:         "InventoryResponse",
	KindBulkIgnitionStateResponse: "BulkIgnitionStateResponse",
	KindPowerStateResponse:        "PowerStateResponse",
	KindSetPowerStateAck:          "SetPowerStateAck",
	KindResetPrepareAck:           "ResetPrepareAck",
	KindResetTriggerAck:           "ResetTriggerAck",
	KindIgnitionStateResponse:     "IgnitionStateResponse",
	KindIgnitionCommandAck:        "IgnitionCommandAck",
	KindSerialConsoleAttachAck:    "SerialConsoleAttachAck",
	KindSerialConsoleWriteAck:     "SerialConsoleWriteAck",
	KindSerialConsoleKeepAliveAck: "SerialConsoleKeepAliveAck",
	KindSerialConsoleDetachAck:    "SerialConsoleDetachAck",
	KindSerialConsoleBreakAck:     "SerialConsoleBreakAck",
	KindUpdatePrepareAck:          "UpdatePrepareAck",
	KindUpdateChunkAck:            "UpdateChunkAck",
	KindUpdateVerifyResponse:      "UpdateVerifyResponse",
	KindUpdateStatusResponse:      "UpdateStatusResponse",
	KindUpdateAbortAck:            "UpdateAbortAck",
	KindError:                     "Error",
	KindSerialConsoleData:         "SerialConsoleData",
	KindIgnitionChanged:           "IgnitionChanged",
	KindHostPhase2Request:         "HostPhase2Request",
}

// String returns the variant name, or the hex tag for unknown kinds.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(0x%04X)", uint16(k))
}

// IsValid returns true if the kind is part of the catalog.
func (k Kind) IsValid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsRequest returns true for kinds sent by the management host.
func (k Kind) IsRequest() bool {
	return k.IsValid() && k < 0x0100
}

// IsResponse returns true for kinds the SP sends in reply to a request.
// The Error kind is a response.
func (k Kind) IsResponse() bool {
	return k.IsValid() && k >= 0x0100 && k < 0x0200
}

// IsEvent returns true for kinds the SP pushes unsolicited.
func (k Kind) IsEvent() bool {
	return k.IsValid() && k >= 0x0200
}

// CarriesData returns true if the kind may carry trailing data after its body.
func (k Kind) CarriesData() bool {
	switch k {
	case KindSerialConsoleWrite, KindUpdateChunk,
		KindInventoryResponse, KindBulkIgnitionStateResponse,
		KindSerialConsoleData:
		return true
	}
	return false
}

// SpType identifies the class of board an SP manages.
type SpType uint8

const (
	SpTypeUnknown SpType = iota
	SpTypeSled
	SpTypeSwitch
	SpTypePower
)

// String returns a human-readable name for the SP type.
func (t SpType) String() string {
	switch t {
	case SpTypeSled:
		return "sled"
	case SpTypeSwitch:
		return "switch"
	case SpTypePower:
		return "power"
	default:
		return "unknown"
	}
}

// IsValid returns true if the SP type is a defined value.
func (t SpType) IsValid() bool {
	return t >= SpTypeSled && t <= SpTypePower
}

// ParseSpType parses the String form of an SP type.
func ParseSpType(s string) (SpType, error) {
	switch s {
	case "sled":
		return SpTypeSled, nil
	case "switch":
		return SpTypeSwitch, nil
	case "power":
		return SpTypePower, nil
	}
	return SpTypeUnknown, fmt.Errorf("message: unknown SP type %q", s)
}

// SpPort is the switch port an SP answered discovery on.
type SpPort uint8

const (
	SpPort1 SpPort = 1
	SpPort2 SpPort = 2
)

// PowerState is the host power state controlled by the SP.
type PowerState uint8

const (
	PowerStateA0 PowerState = iota
	PowerStateA1
	PowerStateA2
)

// String returns the power state name.
func (p PowerState) String() string {
	switch p {
	case PowerStateA0:
		return "A0"
	case PowerStateA1:
		return "A1"
	case PowerStateA2:
		return "A2"
	default:
		return fmt.Sprintf("PowerState(%d)", uint8(p))
	}
}

// IsValid returns true if the power state is a defined value.
func (p PowerState) IsValid() bool {
	return p <= PowerStateA2
}

// ParsePowerState parses the String form of a power state.
func ParsePowerState(s string) (PowerState, error) {
	for p := PowerStateA0; p <= PowerStateA2; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("message: unknown power state %q", s)
}

// IgnitionCommand is a command for the ignition controller.
type IgnitionCommand uint8

const (
	IgnitionPowerOn IgnitionCommand = iota
	IgnitionPowerOff
	IgnitionPowerReset
)

// String returns the command name.
func (c IgnitionCommand) String() string {
	switch c {
	case IgnitionPowerOn:
		return "power-on"
	case IgnitionPowerOff:
		return "power-off"
	case IgnitionPowerReset:
		return "power-reset"
	default:
		return fmt.Sprintf("IgnitionCommand(%d)", uint8(c))
	}
}

// IsValid returns true if the command is a defined value.
func (c IgnitionCommand) IsValid() bool {
	return c <= IgnitionPowerReset
}

// ParseIgnitionCommand parses the String form of an IgnitionCommand.
func ParseIgnitionCommand(s string) (IgnitionCommand, error) {
	for c := IgnitionPowerOn; c <= IgnitionPowerReset; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("message: unknown ignition command %q", s)
}

// UpdateState is the SP-reported state of a component update.
type UpdateState uint8

const (
	UpdateStateNone UpdateState = iota
	UpdateStatePreparing
	UpdateStateInProgress
	UpdateStateComplete
	UpdateStateAborted
	UpdateStateFailed
)

// String returns the update state name.
func (s UpdateState) String() string {
	switch s {
	case UpdateStateNone:
		return "None"
	case UpdateStatePreparing:
		return "Preparing"
	case UpdateStateInProgress:
		return "InProgress"
	case UpdateStateComplete:
		return "Complete"
	case UpdateStateAborted:
		return "Aborted"
	case UpdateStateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("UpdateState(%d)", uint8(s))
	}
}

// IsValid returns true if the update state is a defined value.
func (s UpdateState) IsValid() bool {
	return s <= UpdateStateFailed
}

// ErrorCode is the structured failure code carried by an Error response.
type ErrorCode uint16

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeBusy
	ErrorCodeInvalid
	ErrorCodeBadRequest
	ErrorCodeRequestUnsupported
	ErrorCodeUpdateInProgress
	ErrorCodeUpdateNotPrepared
	ErrorCodeUpdateResumeInvalid
	ErrorCodeUpdateChunkCRC
	ErrorCodeUpdateChunkOffset
	ErrorCodeConsoleNotAttached
	ErrorCodeConsoleAlreadyAttached
	ErrorCodeResetTriggerWithoutPrepare
	ErrorCodeIgnitionTargetAbsent
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeNone:                       "None",
	ErrorCodeBusy:                       "Busy",
	ErrorCodeInvalid:                    "Invalid",
	ErrorCodeBadRequest:                 "BadRequest",
	ErrorCodeRequestUnsupported:         "RequestUnsupported",
	ErrorCodeUpdateInProgress:           "UpdateInProgress",
	ErrorCodeUpdateNotPrepared:          "UpdateNotPrepared",
	ErrorCodeUpdateResumeInvalid:        "UpdateResumeInvalid",
	ErrorCodeUpdateChunkCRC:             "UpdateChunkCRC",
	ErrorCodeUpdateChunkOffset:          "UpdateChunkOffset",
	ErrorCodeConsoleNotAttached:         "ConsoleNotAttached",
	ErrorCodeConsoleAlreadyAttached:     "ConsoleAlreadyAttached",
	ErrorCodeResetTriggerWithoutPrepare: "ResetTriggerWithoutPrepare",
	ErrorCodeIgnitionTargetAbsent:       "IgnitionTargetAbsent",
}

// String returns the error code name.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// IsValid returns true if the error code is a defined value.
func (c ErrorCode) IsValid() bool {
	_, ok := errorCodeNames[c]
	return ok
}
