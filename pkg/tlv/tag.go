// Package tlv implements the tag-length-value stream carried as trailing
// data by paginated SP responses.
//
// Each item is a 4-byte ASCII tag, a little-endian u32 value length and
// the value bytes. Readers skip tags they do not know, so SPs can add item
// types without breaking older hosts.
package tlv

import "fmt"

// Tag identifies the type of one item.
type Tag [4]byte

// Known item tags.
var (
	// TagDevice is an inventory entry, decoded by DecodeDevice.
	TagDevice = Tag{'D', 'S', 'C', '0'}

	// TagIgnition is a bulk ignition state entry, decoded by DecodeIgnition.
	TagIgnition = Tag{'I', 'G', 'N', '0'}
)

// HeaderSize is the encoded size of a tag plus its length field.
const HeaderSize = 8

// String returns the tag as text when printable, hex otherwise.
func (t Tag) String() string {
	for _, c := range t {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("%X", t[:])
		}
	}
	return string(t[:])
}
