// Package protostack is the minimal single-goroutine event loop GMCast is
// pushed onto. In the protocol stack this core was lifted from, the
// dispatch of inbound frames and periodic timer callbacks to registered
// protocols is itself an external collaborator; this package is this
// repo's concrete (and only) implementation of that collaborator, grounded
// on the teacher's own handler-goroutine-plus-channel shape (see e.g.
// cla.Manager.handler).
package protostack

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Proto is anything that can be pushed onto a Stack.
type Proto interface {
	// HandleUp dispatches one inbound datagram (or, for dg == nil, a
	// connection-state notification) arriving on fd.
	HandleUp(fd int, dg []byte)

	// HandleDown fans a user datagram out to the mesh. Always returns nil
	// in this implementation; the signature keeps parity with the spec's
	// exposed-upward interface.
	HandleDown(dg []byte) error

	// HandleTimers runs due periodic work and returns the next wake time.
	HandleTimers() time.Time
}

type upEvent struct {
	fd int
	dg []byte
}

// Stack serializes HandleUp/HandleDown/HandleTimers calls onto one
// goroutine. Reader goroutines owned by transport providers call Post to
// hand off inbound datagrams; everything downstream of Post runs on the
// Stack's own goroutine, which is what makes "no internal locks, no
// suspension points within a callback" true for the mesh controller.
type Stack struct {
	protos []Proto

	events chan upEvent
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Stack. Call Run to start its goroutine.
func New() *Stack {
	return &Stack{
		events: make(chan upEvent, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// PushProto registers p as the current top of the stack. GMCast has no use
// for more than one layer, but the push/pop pair is kept to match the
// external protocol-stack collaborator's documented shape.
func (s *Stack) PushProto(p Proto) {
	s.protos = append(s.protos, p)
}

// PopProto removes the current top of the stack, if any.
func (s *Stack) PopProto() {
	if n := len(s.protos); n > 0 {
		s.protos = s.protos[:n-1]
	}
}

// Post hands an inbound datagram to the loop. Safe to call from any
// goroutine; this is the only thread-safe entry point transport providers
// are allowed to use.
func (s *Stack) Post(fd int, dg []byte) {
	select {
	case s.events <- upEvent{fd: fd, dg: dg}:
	case <-s.stopCh:
	}
}

// HandleDown fans dg out through the current top proto.
func (s *Stack) HandleDown(dg []byte) error {
	if len(s.protos) == 0 {
		return nil
	}
	return s.protos[len(s.protos)-1].HandleDown(dg)
}

// Run starts the loop goroutine. Close stops it.
func (s *Stack) Run() {
	go s.loop()
}

func (s *Stack) loop() {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case ev := <-s.events:
			if len(s.protos) == 0 {
				continue
			}
			s.protos[len(s.protos)-1].HandleUp(ev.fd, ev.dg)
			// A frame can move up the proto's desired next wake (e.g. a
			// topology change shortening a reconnect's jitter delay); rearm
			// against it instead of waiting for the already-scheduled tick.
			rearm(timer, s.protos[len(s.protos)-1].HandleTimers())

		case <-timer.C:
			if len(s.protos) == 0 {
				timer.Reset(time.Second)
				continue
			}
			rearm(timer, s.protos[len(s.protos)-1].HandleTimers())
		}
	}
}

// rearm reschedules timer to fire at next, draining a pending (already
// fired) tick first so Reset doesn't race it per the time.Timer contract.
func rearm(timer *time.Timer, next time.Time) {
	d := time.Until(next)
	if d <= 0 {
		d = time.Millisecond
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// Close stops the loop goroutine and waits for it to exit.
func (s *Stack) Close() {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
	}
	<-s.doneCh
	log.Debug("protostack: loop stopped")
}
