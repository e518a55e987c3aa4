package exchange

import (
	"testing"

	"github.com/backkem/spcomms/pkg/message"
)

func TestPendingTableDeliver(t *testing.T) {
	table := newPendingTable()
	p := table.add(7, message.KindPowerStateResponse)

	reply := &message.Message{ID: 7, Body: &message.PowerStateResponse{}}
	if matched, dup := table.deliver(reply); !matched || dup {
		t.Fatalf("deliver() = %v, %v, want matched", matched, dup)
	}
	if matched, dup := table.deliver(reply); !matched || !dup {
		t.Errorf("second deliver() = %v, %v, want duplicate", matched, dup)
	}
	if got := <-p.respCh; got != reply {
		t.Errorf("respCh = %v, want the first reply", got)
	}

	if matched, _ := table.deliver(&message.Message{ID: 8, Body: &message.PowerStateResponse{}}); matched {
		t.Error("deliver() matched an unknown id")
	}

	table.remove(p)
	if table.len() != 0 {
		t.Errorf("len() = %d after remove", table.len())
	}
	if matched, _ := table.deliver(reply); matched {
		t.Error("deliver() matched a removed request")
	}
}

func TestPendingTableRemoveKeepsReplacement(t *testing.T) {
	table := newPendingTable()
	old := table.add(1, message.KindPowerStateResponse)
	cur := table.add(1, message.KindSpStateResponse)

	table.remove(old)
	if table.len() != 1 {
		t.Fatalf("len() = %d, want replacement kept", table.len())
	}
	table.remove(cur)
	if table.len() != 0 {
		t.Errorf("len() = %d, want 0", table.len())
	}
}
