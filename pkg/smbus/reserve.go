package smbus

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// PullModel controls the driver-side mux-hold regime used during a
// bandwidth reservation: while entered, the mux leaf stays electrically
// connected across transactions.
type PullModel interface {
	Enter(prv transport.SMBusPrivate) error
	Exit(prv transport.SMBusPrivate) error
}

// NopPullModel is used when the kernel driver manages mux holds on its
// own per-transaction timeouts.
type NopPullModel struct{}

// Enter implements PullModel.
func (NopPullModel) Enter(transport.SMBusPrivate) error { return nil }

// Exit implements PullModel.
func (NopPullModel) Exit(transport.SMBusPrivate) error { return nil }

// ReserveBandwidth holds the mux open for eid for timeout seconds. A
// second call by the same EID restarts the timer without re-running the
// enter sequence; a call by a different EID fails with ErrResourceBusy.
func (b *Binding) ReserveBandwidth(eid types.EID, timeout uint16) error {
	b.mu.Lock()
	if b.rsvBWActive && eid != b.reservedEID {
		held := b.reservedEID
		b.mu.Unlock()
		log.WithFields(log.Fields{"eid": uint8(eid), "held_by": uint8(held)}).
			Warn("Bandwidth reservation not allowed, active for another EID")
		return ErrResourceBusy
	}
	b.mu.Unlock()

	prv, err := b.BindingPrivate(eid)
	if err != nil {
		return err
	}
	if prv.MuxFlags&transport.IsMuxPort == 0 {
		log.Warn("Bandwidth reservation not required, fd is not a mux port")
		return ErrResourceBusy
	}

	b.mu.Lock()
	active := b.rsvBWActive
	b.mu.Unlock()

	if !active {
		if err := b.pullModel.Enter(prv); err != nil {
			log.WithError(err).Error("Bandwidth reservation: enter pull model failed")
			return err
		}
		b.setMuxIdleMode(muxIdleConnect)
	}

	b.mu.Lock()
	if !b.rsvBWActive {
		b.rsvBWActive = true
		b.reservedEID = eid
		b.rsvPrv = prv
	}
	b.armReservationTimerLocked(time.Duration(timeout) * time.Second)
	b.mu.Unlock()
	return nil
}

// ReleaseBandwidth cancels an active reservation; cancellation runs the
// exit path (idle-mode restore, pull-model exit) exactly once.
func (b *Binding) ReleaseBandwidth(eid types.EID) error {
	b.mu.Lock()
	if !b.rsvBWActive || eid != b.reservedEID {
		b.mu.Unlock()
		log.WithField("eid", uint8(eid)).Error("Bandwidth reservation is not active for EID")
		return ErrResourceBusy
	}
	timer := b.rsvTimer
	gen := b.rsvGen
	b.mu.Unlock()

	if timer != nil && timer.Stop() {
		b.reservationExpired(gen)
	}
	// When Stop lost the race the timer callback runs the exit path.
	return nil
}

// armReservationTimerLocked (re)arms the release timer. The generation
// counter invalidates a callback from a timer that was since restarted, so
// the exit path runs once no matter how Stop and the callback interleave.
func (b *Binding) armReservationTimerLocked(d time.Duration) {
	b.rsvGen++
	gen := b.rsvGen
	if b.rsvTimer == nil {
		b.rsvTimer = time.AfterFunc(d, func() { b.reservationExpired(gen) })
		return
	}
	if b.rsvTimer.Stop() {
		log.Debug("Bandwidth reservation timer restarted")
	}
	b.rsvTimer = time.AfterFunc(d, func() { b.reservationExpired(gen) })
}

// reservationExpired is the exit path: leave the pull model, disconnect
// the mux, clear the reservation.
func (b *Binding) reservationExpired(gen uint64) {
	b.mu.Lock()
	if !b.rsvBWActive || gen != b.rsvGen {
		b.mu.Unlock()
		return
	}
	prv := b.rsvPrv
	b.rsvBWActive = false
	b.reservedEID = 0
	b.mu.Unlock()

	b.setMuxIdleMode(muxIdleDisconnect)
	if err := b.pullModel.Exit(prv); err != nil {
		log.WithError(err).Error("Bandwidth release: exit pull model failed")
	}
}

// ReservationActive reports the current reservation state.
func (b *Binding) ReservationActive() (bool, types.EID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rsvBWActive, b.reservedEID
}
