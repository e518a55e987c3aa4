package tlv

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/spcomms/pkg/message"
)

// DevicePresence reports whether the SP could talk to an inventory device.
type DevicePresence uint8

const (
	PresenceUnknown DevicePresence = iota
	PresencePresent
	PresenceNotPresent
	PresenceFailed
	PresenceTimeout
	PresenceError
)

// String returns the presence name.
func (p DevicePresence) String() string {
	switch p {
	case PresencePresent:
		return "present"
	case PresenceNotPresent:
		return "not-present"
	case PresenceFailed:
		return "failed"
	case PresenceTimeout:
		return "timeout"
	case PresenceError:
		return "error"
	default:
		return "unknown"
	}
}

// Device is one inventory entry.
type Device struct {
	Component   string
	Description string
	Presence    DevicePresence
}

// Encode returns the value bytes of the entry. Strings longer than 255 bytes
// are rejected.
func (d *Device) Encode() ([]byte, error) {
	if len(d.Component) > 0xFF || len(d.Description) > 0xFF {
		return nil, fmt.Errorf("%w: device string too long", ErrInvalidValue)
	}
	buf := make([]byte, 0, 3+len(d.Component)+len(d.Description))
	buf = append(buf, byte(len(d.Component)))
	buf = append(buf, d.Component...)
	buf = append(buf, byte(len(d.Description)))
	buf = append(buf, d.Description...)
	buf = append(buf, byte(d.Presence))
	return buf, nil
}

// DecodeDevice parses a TagDevice value.
func DecodeDevice(value []byte) (Device, error) {
	var d Device
	rest := value

	str := func() (string, bool) {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return "", false
		}
		n := int(rest[0])
		s := string(rest[1 : 1+n])
		rest = rest[1+n:]
		return s, true
	}

	var ok bool
	if d.Component, ok = str(); !ok {
		return Device{}, fmt.Errorf("%w: device component", ErrInvalidValue)
	}
	if d.Description, ok = str(); !ok {
		return Device{}, fmt.Errorf("%w: device description", ErrInvalidValue)
	}
	if len(rest) != 1 {
		return Device{}, fmt.Errorf("%w: device presence", ErrInvalidValue)
	}
	d.Presence = DevicePresence(rest[0])
	return d, nil
}

// PutDevice appends an inventory entry.
func (w *Writer) PutDevice(d Device) error {
	value, err := d.Encode()
	if err != nil {
		return err
	}
	return w.Put(TagDevice, value)
}

// Ignition is one bulk ignition state entry.
type Ignition struct {
	Target uint8
	State  message.IgnitionState
}

const ignitionSize = 6

// Encode returns the value bytes of the entry.
func (g *Ignition) Encode() []byte {
	buf := make([]byte, ignitionSize)
	buf[0] = g.Target
	if g.State.Present {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint16(buf[2:], g.State.SystemType)
	if g.State.Powered {
		buf[4] = 1
	}
	buf[5] = g.State.Faults
	return buf
}

// DecodeIgnition parses a TagIgnition value.
func DecodeIgnition(value []byte) (Ignition, error) {
	if len(value) != ignitionSize || value[1] > 1 || value[4] > 1 {
		return Ignition{}, fmt.Errorf("%w: ignition entry", ErrInvalidValue)
	}
	return Ignition{
		Target: value[0],
		State: message.IgnitionState{
			Present:    value[1] == 1,
			SystemType: binary.LittleEndian.Uint16(value[2:]),
			Powered:    value[4] == 1,
			Faults:     value[5],
		},
	}, nil
}

// PutIgnition appends a bulk ignition entry.
func (w *Writer) PutIgnition(g Ignition) error {
	return w.Put(TagIgnition, g.Encode())
}

// DecodeDevices returns the inventory entries in data, skipping other tags.
func DecodeDevices(data []byte) ([]Device, error) {
	var out []Device
	err := Decode(data, func(tag Tag, value []byte) error {
		if tag != TagDevice {
			return nil
		}
		d, err := DecodeDevice(value)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// DecodeIgnitions returns the ignition entries in data, skipping other tags.
func DecodeIgnitions(data []byte) ([]Ignition, error) {
	var out []Ignition
	err := Decode(data, func(tag Tag, value []byte) error {
		if tag != TagIgnition {
			return nil
		}
		g, err := DecodeIgnition(value)
		if err != nil {
			return err
		}
		out = append(out, g)
		return nil
	})
	return out, err
}
