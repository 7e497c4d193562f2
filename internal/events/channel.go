package events

// ChannelSink forwards events to an interactive renderer over a bounded
// queue. When the queue is full the oldest non-critical event is dropped so
// the pipeline never blocks on a stalled UI.
type ChannelSink struct {
	ch      chan Event
	control *Control
}

func NewChannelSink(capacity int, control *Control) *ChannelSink {
	if capacity < 1 {
		capacity = 256
	}
	return &ChannelSink{
		ch:      make(chan Event, capacity),
		control: control,
	}
}

// Events is the renderer's end of the queue.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

func (s *ChannelSink) Send(e Event) {
	// Bounded number of eviction attempts; a queue saturated with critical
	// events gives up rather than spin.
	for i := 0; i <= cap(s.ch); i++ {
		select {
		case s.ch <- e:
			return
		default:
		}
		// Queue full: evict the oldest event unless it is critical, in
		// which case the new event is the one to lose (unless it is
		// itself critical too).
		select {
		case old := <-s.ch:
			if critical(old) {
				select {
				case s.ch <- old:
				default:
				}
				if !critical(e) {
					return
				}
			}
		default:
		}
	}
}

func (s *ChannelSink) Check() error {
	return s.control.Check()
}
