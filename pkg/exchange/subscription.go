package exchange

import "github.com/backkem/spcomms/pkg/message"

// Subscription receives the SP events of one target.
type Subscription struct {
	sp    *SingleSp
	kinds map[message.Kind]struct{}
	ch    chan *message.Message
}

// Subscribe registers for events of the given kinds, or all events if none
// are given. buffer is the channel capacity; 0 uses the configured default.
// Events that find the channel full are dropped and counted.
func (s *SingleSp) Subscribe(buffer int, kinds ...message.Kind) *Subscription {
	if buffer <= 0 {
		buffer = s.eventBuffer
	}
	sub := &Subscription{
		sp: s,
		ch: make(chan *message.Message, buffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[message.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closeCh:
		close(sub.ch)
	default:
		s.subs[sub] = struct{}{}
	}
	return sub
}

// Events returns the event channel. It is closed by Close or when the target
// is removed.
func (sub *Subscription) Events() <-chan *message.Message {
	return sub.ch
}

// Close unsubscribes. It is safe to call more than once.
func (sub *Subscription) Close() {
	s := sub.sp
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

func (sub *Subscription) wants(k message.Kind) bool {
	if sub.kinds == nil {
		return true
	}
	_, ok := sub.kinds[k]
	return ok
}

// publish fans one event out without blocking the receive loop.
func (s *SingleSp) publish(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := msg.Kind()
	delivered := false
	for sub := range s.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered = true
		default:
			s.metrics.EventDropped()
			s.log.Warnf("%s: subscriber full, dropping %s", s.id, kind)
		}
	}
	if !delivered && kind != message.KindHostPhase2Request {
		s.log.Debugf("%s: no subscriber for %s", s.id, kind)
	}
}
