package pcie

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mctpd/pkg/assembler"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// CharDevDriver drives the kernel PCIe VDM function through its character
// device. Every frame on the device is a binding-private record followed
// by one MCTP packet; registration as the default control service happens
// implicitly on open.
type CharDevDriver struct {
	// Path is the device node, e.g. /dev/mctp-pcie.
	Path string
	// OwnBDF is the device's bus/device/function when known at config time.
	OwnBDF uint16
	// Medium reports the link's physical medium identifier.
	Medium types.MediumID
	// Deliver receives each inbound (message, private) pair.
	Deliver func(src types.EID, msg, private []byte)

	fd     int
	ctx    context.Context
	cancel context.CancelFunc
}

// Init opens the device node.
func (d *CharDevDriver) Init() error {
	fd, err := unix.Open(d.Path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", d.Path, err)
	}
	d.fd = fd
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return nil
}

// RegisterAsDefault claims the default control-service slot. The kernel
// driver routes broadcast VDMs to the first open handle, so this is a
// no-op beyond a sanity check.
func (d *CharDevDriver) RegisterAsDefault() error {
	if d.fd <= 0 {
		return fmt.Errorf("driver not initialized")
	}
	return nil
}

// BDF returns the configured bus/device/function.
func (d *CharDevDriver) BDF() (uint16, bool) {
	return d.OwnBDF, d.OwnBDF != 0
}

// MediumID reports the configured physical medium.
func (d *CharDevDriver) MediumID() types.MediumID {
	return d.Medium
}

// PollRx starts the receive pump.
func (d *CharDevDriver) PollRx() error {
	if d.fd <= 0 {
		return fmt.Errorf("driver not initialized")
	}
	go d.pump()
	return nil
}

func (d *CharDevDriver) pump() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, 1000); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Error("PCIe receive poll failed")
			time.Sleep(time.Second)
			continue
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, err := unix.Read(d.fd, buf)
		if err != nil || n < transport.PCIePrivateLen {
			continue
		}
		private := append([]byte(nil), buf[:transport.PCIePrivateLen]...)
		src, msg, err := assembler.Unframe(buf[transport.PCIePrivateLen:n])
		if err != nil {
			log.WithError(err).Debug("Dropping undecodable VDM packet")
			continue
		}
		if d.Deliver != nil {
			d.Deliver(src, msg, private)
		}
	}
}

// Close releases the device node.
func (d *CharDevDriver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.fd > 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		return err
	}
	return nil
}

// FrameTransport implements control.Transport over a CharDevDriver:
// each send writes the binding-private record followed by one framed
// MCTP packet.
type FrameTransport struct {
	Driver *CharDevDriver
	// OwnEID yields the current source EID for outgoing packets.
	OwnEID func() types.EID

	tag uint8
}

// Send implements control.Transport.
func (t *FrameTransport) Send(dst types.EID, msg, private []byte) error {
	if len(private) < transport.PCIePrivateLen {
		return fmt.Errorf("PCIe send without binding private")
	}
	pkt, err := assembler.Frame(dst, t.OwnEID(), t.tag, true, msg)
	if err != nil {
		return err
	}
	t.tag = (t.tag + 1) & 0x07

	buf := make([]byte, 0, transport.PCIePrivateLen+len(pkt))
	buf = append(buf, private[:transport.PCIePrivateLen]...)
	buf = append(buf, pkt...)
	if _, err := unix.Write(t.Driver.fd, buf); err != nil {
		return fmt.Errorf("PCIe VDM write: %w", err)
	}
	return nil
}
