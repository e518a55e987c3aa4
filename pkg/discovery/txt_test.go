package discovery

import (
	"errors"
	"testing"

	"github.com/backkem/spcomms/pkg/message"
)

func TestTXTRoundTrip(t *testing.T) {
	want := message.SpIdentity{
		Type:     message.SpTypeSwitch,
		Slot:     1,
		Model:    "913-0000006",
		Serial:   "BRM44220011",
		Revision: 4,
	}

	got, err := DecodeTXT(ParseTXT(EncodeTXT(want)))
	if err != nil {
		t.Fatalf("DecodeTXT() error = %v", err)
	}
	if got != want {
		t.Errorf("DecodeTXT() = %+v, want %+v", got, want)
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"Serial=A", "serial=B", "flag", "", "slot=3"})
	if got["serial"] != "A" {
		t.Errorf("serial = %q, want first occurrence", got["serial"])
	}
	if v, ok := got["flag"]; !ok || v != "" {
		t.Errorf("flag = %q, %v", v, ok)
	}
	if got["slot"] != "3" {
		t.Errorf("slot = %q", got["slot"])
	}
}

func TestDecodeTXTErrors(t *testing.T) {
	tests := []struct {
		name string
		txt  []string
	}{
		{"missing type", []string{"slot=1", "serial=X"}},
		{"bad type", []string{"type=rack", "slot=1", "serial=X"}},
		{"bad slot", []string{"type=sled", "slot=-1", "serial=X"}},
		{"missing serial", []string{"type=sled", "slot=1"}},
		{"long serial", []string{"type=sled", "slot=1", "serial=0123456789012345678901234567890123"}},
		{"bad revision", []string{"type=sled", "slot=1", "serial=X", "rev=new"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTXT(ParseTXT(tt.txt)); !errors.Is(err, ErrInvalidTXTRecord) {
				t.Errorf("DecodeTXT() error = %v, want ErrInvalidTXTRecord", err)
			}
		})
	}
}
