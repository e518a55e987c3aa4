package message

// Body is one variant of the message catalog. The set of implementations is
// closed: adding a message kind means adding a Body type to this package and
// registering it in catalog.
type Body interface {
	// Kind returns the tag written to the envelope.
	Kind() Kind

	size() int
	encodeTo(e *encoder)
	decodeFrom(d *decoder)
}

// UpdateID identifies one update attempt. It is a UUID on the host side.
type UpdateID [16]byte

// Digest is a 32-byte image digest.
type Digest [32]byte

// noBody provides the layout of variants that carry no fields.
type noBody struct{}

func (noBody) size() int           { return 0 }
func (noBody) encodeTo(*encoder)   {}
func (noBody) decodeFrom(*decoder) {}

// SpIdentity describes the SP that answered a request.
type SpIdentity struct {
	Type     SpType
	Slot     uint16
	Model    string
	Serial   string
	Revision uint32
}

const spIdentitySize = 1 + 2 + 1 + MaxStringLen + 1 + MaxStringLen + 4

func (s *SpIdentity) encodeTo(e *encoder) {
	e.u8(uint8(s.Type))
	e.u16(s.Slot)
	e.str(s.Model, MaxStringLen)
	e.str(s.Serial, MaxStringLen)
	e.u32(s.Revision)
}

func (s *SpIdentity) decodeFrom(d *decoder) {
	s.Type = SpType(d.u8())
	s.Slot = d.u16()
	s.Model = d.str(MaxStringLen)
	s.Serial = d.str(MaxStringLen)
	s.Revision = d.u32()
}

// IgnitionState is the state of one ignition target as seen by the
// ignition controller.
type IgnitionState struct {
	Present    bool
	SystemType uint16
	Powered    bool
	Faults     uint8
}

const ignitionStateSize = 1 + 2 + 1 + 1

func (s *IgnitionState) encodeTo(e *encoder) {
	e.boolean(s.Present)
	e.u16(s.SystemType)
	e.boolean(s.Powered)
	e.u8(s.Faults)
}

func (s *IgnitionState) decodeFrom(d *decoder) {
	s.Present = d.boolean()
	s.SystemType = d.u16()
	s.Powered = d.boolean()
	s.Faults = d.u8()
}

// Requests.

type Discover struct{ noBody }

func (*Discover) Kind() Kind { return KindDiscover }

type SpState struct{ noBody }

func (*SpState) Kind() Kind { return KindSpState }

// Inventory requests one page of the SP's device inventory, starting at
// the given item offset.
type Inventory struct {
	Offset uint32
}

func (*Inventory) Kind() Kind              { return KindInventory }
func (*Inventory) size() int               { return 4 }
func (m *Inventory) encodeTo(e *encoder)   { e.u32(m.Offset) }
func (m *Inventory) decodeFrom(d *decoder) { m.Offset = d.u32() }

// BulkIgnitionState requests one page of all ignition target states.
type BulkIgnitionState struct {
	Offset uint32
}

func (*BulkIgnitionState) Kind() Kind              { return KindBulkIgnitionState }
func (*BulkIgnitionState) size() int               { return 4 }
func (m *BulkIgnitionState) encodeTo(e *encoder)   { e.u32(m.Offset) }
func (m *BulkIgnitionState) decodeFrom(d *decoder) { m.Offset = d.u32() }

type PowerStateQuery struct{ noBody }

func (*PowerStateQuery) Kind() Kind { return KindPowerState }

type SetPowerState struct {
	State PowerState
}

func (*SetPowerState) Kind() Kind            { return KindSetPowerState }
func (*SetPowerState) size() int             { return 1 }
func (m *SetPowerState) encodeTo(e *encoder) { e.u8(uint8(m.State)) }
func (m *SetPowerState) decodeFrom(d *decoder) {
	m.State = PowerState(d.u8())
	d.invalid(!m.State.IsValid())
}

type ResetPrepare struct{ noBody }

func (*ResetPrepare) Kind() Kind { return KindResetPrepare }

type ResetTrigger struct{ noBody }

func (*ResetTrigger) Kind() Kind { return KindResetTrigger }

// IgnitionStateQuery asks for the state of a single ignition target.
type IgnitionStateQuery struct {
	Target uint8
}

func (*IgnitionStateQuery) Kind() Kind              { return KindIgnitionState }
func (*IgnitionStateQuery) size() int               { return 1 }
func (m *IgnitionStateQuery) encodeTo(e *encoder)   { e.u8(m.Target) }
func (m *IgnitionStateQuery) decodeFrom(d *decoder) { m.Target = d.u8() }

type IgnitionCommandRequest struct {
	Target  uint8
	Command IgnitionCommand
}

func (*IgnitionCommandRequest) Kind() Kind { return KindIgnitionCommand }
func (*IgnitionCommandRequest) size() int  { return 2 }
func (m *IgnitionCommandRequest) encodeTo(e *encoder) {
	e.u8(m.Target)
	e.u8(uint8(m.Command))
}
func (m *IgnitionCommandRequest) decodeFrom(d *decoder) {
	m.Target = d.u8()
	m.Command = IgnitionCommand(d.u8())
	d.invalid(!m.Command.IsValid())
}

type SerialConsoleAttach struct {
	Component string
}

func (*SerialConsoleAttach) Kind() Kind              { return KindSerialConsoleAttach }
func (*SerialConsoleAttach) size() int               { return strSize(MaxComponentLen) }
func (m *SerialConsoleAttach) encodeTo(e *encoder)   { e.str(m.Component, MaxComponentLen) }
func (m *SerialConsoleAttach) decodeFrom(d *decoder) { m.Component = d.str(MaxComponentLen) }

// SerialConsoleWrite carries host console bytes starting at Offset in the
// outbound stream. The bytes travel as trailing data.
type SerialConsoleWrite struct {
	Offset uint64
}

func (*SerialConsoleWrite) Kind() Kind              { return KindSerialConsoleWrite }
func (*SerialConsoleWrite) size() int               { return 8 }
func (m *SerialConsoleWrite) encodeTo(e *encoder)   { e.u64(m.Offset) }
func (m *SerialConsoleWrite) decodeFrom(d *decoder) { m.Offset = d.u64() }

type SerialConsoleKeepAlive struct{ noBody }

func (*SerialConsoleKeepAlive) Kind() Kind { return KindSerialConsoleKeepAlive }

type SerialConsoleDetach struct{ noBody }

func (*SerialConsoleDetach) Kind() Kind { return KindSerialConsoleDetach }

type SerialConsoleBreak struct{ noBody }

func (*SerialConsoleBreak) Kind() Kind { return KindSerialConsoleBreak }

// UpdatePrepare opens (or resumes) an update of Component. ChunkSize is the
// host's proposal; the SP may lower it in its ack.
type UpdatePrepare struct {
	ID           UpdateID
	Component    string
	Slot         uint16
	TotalSize    uint32
	ChunkSize    uint32
	ResumeOffset uint32
}

func (*UpdatePrepare) Kind() Kind { return KindUpdatePrepare }
func (*UpdatePrepare) size() int  { return 16 + strSize(MaxComponentLen) + 2 + 4 + 4 + 4 }
func (m *UpdatePrepare) encodeTo(e *encoder) {
	e.bytes(m.ID[:])
	e.str(m.Component, MaxComponentLen)
	e.u16(m.Slot)
	e.u32(m.TotalSize)
	e.u32(m.ChunkSize)
	e.u32(m.ResumeOffset)
}
func (m *UpdatePrepare) decodeFrom(d *decoder) {
	d.bytes(m.ID[:])
	m.Component = d.str(MaxComponentLen)
	m.Slot = d.u16()
	m.TotalSize = d.u32()
	m.ChunkSize = d.u32()
	m.ResumeOffset = d.u32()
	d.invalid(m.ResumeOffset > m.TotalSize)
}

// UpdateChunk carries image bytes at Offset as trailing data. CRC is the
// CRC-32 (IEEE) of those bytes.
type UpdateChunk struct {
	ID     UpdateID
	Offset uint32
	CRC    uint32
}

func (*UpdateChunk) Kind() Kind { return KindUpdateChunk }
func (*UpdateChunk) size() int  { return 16 + 4 + 4 }
func (m *UpdateChunk) encodeTo(e *encoder) {
	e.bytes(m.ID[:])
	e.u32(m.Offset)
	e.u32(m.CRC)
}
func (m *UpdateChunk) decodeFrom(d *decoder) {
	d.bytes(m.ID[:])
	m.Offset = d.u32()
	m.CRC = d.u32()
}

type UpdateVerify struct {
	ID UpdateID
}

func (*UpdateVerify) Kind() Kind              { return KindUpdateVerify }
func (*UpdateVerify) size() int               { return 16 }
func (m *UpdateVerify) encodeTo(e *encoder)   { e.bytes(m.ID[:]) }
func (m *UpdateVerify) decodeFrom(d *decoder) { d.bytes(m.ID[:]) }

type UpdateStatusQuery struct {
	Component string
}

func (*UpdateStatusQuery) Kind() Kind              { return KindUpdateStatus }
func (*UpdateStatusQuery) size() int               { return strSize(MaxComponentLen) }
func (m *UpdateStatusQuery) encodeTo(e *encoder)   { e.str(m.Component, MaxComponentLen) }
func (m *UpdateStatusQuery) decodeFrom(d *decoder) { m.Component = d.str(MaxComponentLen) }

type UpdateAbort struct {
	Component string
	ID        UpdateID
}

func (*UpdateAbort) Kind() Kind { return KindUpdateAbort }
func (*UpdateAbort) size() int  { return strSize(MaxComponentLen) + 16 }
func (m *UpdateAbort) encodeTo(e *encoder) {
	e.str(m.Component, MaxComponentLen)
	e.bytes(m.ID[:])
}
func (m *UpdateAbort) decodeFrom(d *decoder) {
	m.Component = d.str(MaxComponentLen)
	d.bytes(m.ID[:])
}

// Responses.

type DiscoverResponse struct {
	Port     SpPort
	Identity SpIdentity
}

func (*DiscoverResponse) Kind() Kind { return KindDiscoverResponse }
func (*DiscoverResponse) size() int  { return 1 + spIdentitySize }
func (m *DiscoverResponse) encodeTo(e *encoder) {
	e.u8(uint8(m.Port))
	m.Identity.encodeTo(e)
}
func (m *DiscoverResponse) decodeFrom(d *decoder) {
	m.Port = SpPort(d.u8())
	m.Identity.decodeFrom(d)
}

type SpStateResponse struct {
	Identity        SpIdentity
	FirmwareVersion string
	ArchiveID       [8]byte
	PowerState      PowerState
}

func (*SpStateResponse) Kind() Kind { return KindSpStateResponse }
func (*SpStateResponse) size() int  { return spIdentitySize + strSize(MaxStringLen) + 8 + 1 }
func (m *SpStateResponse) encodeTo(e *encoder) {
	m.Identity.encodeTo(e)
	e.str(m.FirmwareVersion, MaxStringLen)
	e.bytes(m.ArchiveID[:])
	e.u8(uint8(m.PowerState))
}
func (m *SpStateResponse) decodeFrom(d *decoder) {
	m.Identity.decodeFrom(d)
	m.FirmwareVersion = d.str(MaxStringLen)
	d.bytes(m.ArchiveID[:])
	m.PowerState = PowerState(d.u8())
	d.invalid(!m.PowerState.IsValid())
}

// Page describes one page of a paginated TLV response. Offset is the index
// of the first item in the trailing data, Total the item count on the SP.
type Page struct {
	Offset uint32
	Total  uint32
}

func (p *Page) encodeTo(e *encoder) {
	e.u32(p.Offset)
	e.u32(p.Total)
}

func (p *Page) decodeFrom(d *decoder) {
	p.Offset = d.u32()
	p.Total = d.u32()
	d.invalid(p.Offset > p.Total)
}

// PageInfo returns the page position of a paginated response.
func (p *Page) PageInfo() Page { return *p }

type InventoryResponse struct {
	Page
}

func (*InventoryResponse) Kind() Kind { return KindInventoryResponse }
func (*InventoryResponse) size() int  { return 8 }

type BulkIgnitionStateResponse struct {
	Page
}

func (*BulkIgnitionStateResponse) Kind() Kind { return KindBulkIgnitionStateResponse }
func (*BulkIgnitionStateResponse) size() int  { return 8 }

type PowerStateResponse struct {
	State PowerState
}

func (*PowerStateResponse) Kind() Kind            { return KindPowerStateResponse }
func (*PowerStateResponse) size() int             { return 1 }
func (m *PowerStateResponse) encodeTo(e *encoder) { e.u8(uint8(m.State)) }
func (m *PowerStateResponse) decodeFrom(d *decoder) {
	m.State = PowerState(d.u8())
	d.invalid(!m.State.IsValid())
}

// SetPowerStateAck reports whether the requested transition changed anything.
type SetPowerStateAck struct {
	Changed bool
}

func (*SetPowerStateAck) Kind() Kind              { return KindSetPowerStateAck }
func (*SetPowerStateAck) size() int               { return 1 }
func (m *SetPowerStateAck) encodeTo(e *encoder)   { e.boolean(m.Changed) }
func (m *SetPowerStateAck) decodeFrom(d *decoder) { m.Changed = d.boolean() }

type ResetPrepareAck struct{ noBody }

func (*ResetPrepareAck) Kind() Kind { return KindResetPrepareAck }

type ResetTriggerAck struct{ noBody }

func (*ResetTriggerAck) Kind() Kind { return KindResetTriggerAck }

type IgnitionStateResponse struct {
	Target uint8
	State  IgnitionState
}

func (*IgnitionStateResponse) Kind() Kind { return KindIgnitionStateResponse }
func (*IgnitionStateResponse) size() int  { return 1 + ignitionStateSize }
func (m *IgnitionStateResponse) encodeTo(e *encoder) {
	e.u8(m.Target)
	m.State.encodeTo(e)
}
func (m *IgnitionStateResponse) decodeFrom(d *decoder) {
	m.Target = d.u8()
	m.State.decodeFrom(d)
}

type IgnitionCommandAck struct{ noBody }

func (*IgnitionCommandAck) Kind() Kind { return KindIgnitionCommandAck }

type SerialConsoleAttachAck struct{ noBody }

func (*SerialConsoleAttachAck) Kind() Kind { return KindSerialConsoleAttachAck }

// SerialConsoleWriteAck reports the furthest contiguous outbound offset the
// SP has accepted.
type SerialConsoleWriteAck struct {
	FurthestOffset uint64
}

func (*SerialConsoleWriteAck) Kind() Kind              { return KindSerialConsoleWriteAck }
func (*SerialConsoleWriteAck) size() int               { return 8 }
func (m *SerialConsoleWriteAck) encodeTo(e *encoder)   { e.u64(m.FurthestOffset) }
func (m *SerialConsoleWriteAck) decodeFrom(d *decoder) { m.FurthestOffset = d.u64() }

type SerialConsoleKeepAliveAck struct{ noBody }

func (*SerialConsoleKeepAliveAck) Kind() Kind { return KindSerialConsoleKeepAliveAck }

type SerialConsoleDetachAck struct{ noBody }

func (*SerialConsoleDetachAck) Kind() Kind { return KindSerialConsoleDetachAck }

type SerialConsoleBreakAck struct{ noBody }

func (*SerialConsoleBreakAck) Kind() Kind { return KindSerialConsoleBreakAck }

type UpdatePrepareAck struct {
	ChunkSize    uint32
	ResumeOffset uint32
}

func (*UpdatePrepareAck) Kind() Kind { return KindUpdatePrepareAck }
func (*UpdatePrepareAck) size() int  { return 8 }
func (m *UpdatePrepareAck) encodeTo(e *encoder) {
	e.u32(m.ChunkSize)
	e.u32(m.ResumeOffset)
}
func (m *UpdatePrepareAck) decodeFrom(d *decoder) {
	m.ChunkSize = d.u32()
	m.ResumeOffset = d.u32()
}

type UpdateChunkAck struct {
	ID         UpdateID
	NextOffset uint32
}

func (*UpdateChunkAck) Kind() Kind { return KindUpdateChunkAck }
func (*UpdateChunkAck) size() int  { return 16 + 4 }
func (m *UpdateChunkAck) encodeTo(e *encoder) {
	e.bytes(m.ID[:])
	e.u32(m.NextOffset)
}
func (m *UpdateChunkAck) decodeFrom(d *decoder) {
	d.bytes(m.ID[:])
	m.NextOffset = d.u32()
}

type UpdateVerifyResponse struct {
	ID     UpdateID
	Digest Digest
}

func (*UpdateVerifyResponse) Kind() Kind { return KindUpdateVerifyResponse }
func (*UpdateVerifyResponse) size() int  { return 16 + 32 }
func (m *UpdateVerifyResponse) encodeTo(e *encoder) {
	e.bytes(m.ID[:])
	e.bytes(m.Digest[:])
}
func (m *UpdateVerifyResponse) decodeFrom(d *decoder) {
	d.bytes(m.ID[:])
	d.bytes(m.Digest[:])
}

type UpdateStatusResponse struct {
	ID       UpdateID
	State    UpdateState
	Received uint32
	Total    uint32
}

func (*UpdateStatusResponse) Kind() Kind { return KindUpdateStatusResponse }
func (*UpdateStatusResponse) size() int  { return 16 + 1 + 4 + 4 }
func (m *UpdateStatusResponse) encodeTo(e *encoder) {
	e.bytes(m.ID[:])
	e.u8(uint8(m.State))
	e.u32(m.Received)
	e.u32(m.Total)
}
func (m *UpdateStatusResponse) decodeFrom(d *decoder) {
	d.bytes(m.ID[:])
	m.State = UpdateState(d.u8())
	m.Received = d.u32()
	m.Total = d.u32()
	d.invalid(!m.State.IsValid())
}

type UpdateAbortAck struct{ noBody }

func (*UpdateAbortAck) Kind() Kind { return KindUpdateAbortAck }

// Error is the SP's structured failure reply to any request.
type Error struct {
	Code   ErrorCode
	Detail uint32
}

func (*Error) Kind() Kind { return KindError }
func (*Error) size() int  { return 2 + 4 }
func (m *Error) encodeTo(e *encoder) {
	e.u16(uint16(m.Code))
	e.u32(m.Detail)
}
func (m *Error) decodeFrom(d *decoder) {
	m.Code = ErrorCode(d.u16())
	m.Detail = d.u32()
}

// Events.

// SerialConsoleData carries SP console output starting at Offset in the
// inbound stream. The bytes travel as trailing data.
type SerialConsoleData struct {
	Offset uint64
}

func (*SerialConsoleData) Kind() Kind              { return KindSerialConsoleData }
func (*SerialConsoleData) size() int               { return 8 }
func (m *SerialConsoleData) encodeTo(e *encoder)   { e.u64(m.Offset) }
func (m *SerialConsoleData) decodeFrom(d *decoder) { m.Offset = d.u64() }

type IgnitionChanged struct {
	Target uint8
	State  IgnitionState
}

func (*IgnitionChanged) Kind() Kind { return KindIgnitionChanged }
func (*IgnitionChanged) size() int  { return 1 + ignitionStateSize }
func (m *IgnitionChanged) encodeTo(e *encoder) {
	e.u8(m.Target)
	m.State.encodeTo(e)
}
func (m *IgnitionChanged) decodeFrom(d *decoder) {
	m.Target = d.u8()
	m.State.decodeFrom(d)
}

// HostPhase2Request is sent by the SP when the host asks for a block of its
// phase 2 boot image.
type HostPhase2Request struct {
	Hash   Digest
	Offset uint64
}

func (*HostPhase2Request) Kind() Kind { return KindHostPhase2Request }
func (*HostPhase2Request) size() int  { return 32 + 8 }
func (m *HostPhase2Request) encodeTo(e *encoder) {
	e.bytes(m.Hash[:])
	e.u64(m.Offset)
}
func (m *HostPhase2Request) decodeFrom(d *decoder) {
	d.bytes(m.Hash[:])
	m.Offset = d.u64()
}

// catalog maps every kind tag to a constructor for its body.
var catalog = map[Kind]func() Body{
	KindDiscover:                  func() Body { return &Discover{} },
	KindSpState:                   func() Body { return &SpState{} },
	KindInventory:                 func() Body { return &Inventory{} },
	KindBulkIgnitionState:         func() Body { return &BulkIgnitionState{} },
	KindPowerState:                func() Body { return &PowerStateQuery{} },
	KindSetPowerState:             func() Body { return &SetPowerState{} },
	KindResetPrepare:              func() Body { return &ResetPrepare{} },
	KindResetTrigger:              func() Body { return &ResetTrigger{} },
	KindIgnitionState:             func() Body { return &IgnitionStateQuery{} },
	KindIgnitionCommand:           func() Body { return &IgnitionCommandRequest{} },
	KindSerialConsoleAttach:       func() Body { return &SerialConsoleAttach{} },
	KindSerialConsoleWrite:        func() Body { return &SerialConsoleWrite{} },
	KindSerialConsoleKeepAlive:    func() Body { return &SerialConsoleKeepAlive{} },
	KindSerialConsoleDetach:       func() Body { return &SerialConsoleDetach{} },
	KindSerialConsoleBreak:        func() Body { return &SerialConsoleBreak{} },
	KindUpdatePrepare:             func() Body { return &UpdatePrepare{} },
	KindUpdateChunk:               func() Body { return &UpdateChunk{} },
	KindUpdateVerify:              func() Body { return &UpdateVerify{} },
	KindUpdateStatus:              func() Body { return &UpdateStatusQuery{} },
	KindUpdateAbort:               func() Body { return &UpdateAbort{} },
	KindDiscoverResponse:          func() Body { return &DiscoverResponse{} },
	KindSpStateResponse:           func() Body { return &SpStateResponse{} },
	KindInventoryResponse:         func() Body { return &InventoryResponse{} },
	KindBulkIgnitionStateResponse: func() Body { return &BulkIgnitionStateResponse{} },
	KindPowerStateResponse:        func() Body { return &PowerStateResponse{} },
	KindSetPowerStateAck:          func() Body { return &SetPowerStateAck{} },
	KindResetPrepareAck:           func() Body { return &ResetPrepareAck{} },
	KindResetTriggerAck:           func() Body { return &ResetTriggerAck{} },
	KindIgnitionStateResponse:     func() Body { return &IgnitionStateResponse{} },
	KindIgnitionCommandAck:        func() Body { return &IgnitionCommandAck{} },
	KindSerialConsoleAttachAck:    func() Body { return &SerialConsoleAttachAck{} },
	KindSerialConsoleWriteAck:     func() Body { return &SerialConsoleWriteAck{} },
	KindSerialConsoleKeepAliveAck: func() Body { return &SerialConsoleKeepAliveAck{} },
	KindSerialConsoleDetachAck:    func() Body { return &SerialConsoleDetachAck{} },
	KindSerialConsoleBreakAck:     func() Body { return &SerialConsoleBreakAck{} },
	KindUpdatePrepareAck:          func() Body { return &UpdatePrepareAck{} },
	KindUpdateChunkAck:            func() Body { return &UpdateChunkAck{} },
	KindUpdateVerifyResponse:      func() Body { return &UpdateVerifyResponse{} },
	KindUpdateStatusResponse:      func() Body { return &UpdateStatusResponse{} },
	KindUpdateAbortAck:            func() Body { return &UpdateAbortAck{} },
	KindError:                     func() Body { return &Error{} },
	KindSerialConsoleData:         func() Body { return &SerialConsoleData{} },
	KindIgnitionChanged:           func() Body { return &IgnitionChanged{} },
	KindHostPhase2Request:         func() Body { return &HostPhase2Request{} },
}

// NewBody returns a zero body for the kind, or nil if the kind is unknown.
func NewBody(k Kind) Body {
	if ctor, ok := catalog[k]; ok {
		return ctor()
	}
	return nil
}
