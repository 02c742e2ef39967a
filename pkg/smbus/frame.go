package smbus

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mctpd/pkg/assembler"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// mctpSmbusCommand is the SMBus command code that carries MCTP packets
// per the SMBus transport binding specification.
const mctpSmbusCommand uint8 = 0x0F

// FrameTransport moves MCTP packets over raw i2c file descriptors: block
// writes toward slaves, slave-mqueue reads for inbound traffic. It
// implements control.Transport for the SMBus binding.
type FrameTransport struct {
	// SrcAddr is the BMC's 8-bit slave address; the source byte on the
	// wire always carries the R/W bit set.
	SrcAddr uint8
	// OwnEID yields the current source EID for outgoing packets.
	OwnEID func() types.EID

	mu  sync.Mutex
	tag uint8
}

// Send implements control.Transport: frame msg into one packet and push
// it out through the fd the private record names.
func (t *FrameTransport) Send(dst types.EID, msg, private []byte) error {
	prv, err := transport.DecodeSMBusPrivate(private)
	if err != nil {
		return err
	}

	t.mu.Lock()
	tag := t.tag
	t.tag = (t.tag + 1) & 0x07
	t.mu.Unlock()

	pkt, err := assembler.Frame(dst, t.OwnEID(), tag, true, msg)
	if err != nil {
		return err
	}

	// SMBus block-write framing: command, byte count, source address,
	// then the MCTP packet.
	buf := make([]byte, 0, 3+len(pkt))
	buf = append(buf, mctpSmbusCommand, uint8(len(pkt)+1), t.SrcAddr|0x01)
	buf = append(buf, pkt...)

	fd := int(prv.Fd)
	if err := setSlave(fd, prv.SlaveAddr>>1); err != nil {
		return fmt.Errorf("selecting slave %#x: %w", prv.SlaveAddr>>1, err)
	}
	if _, err := unix.Write(fd, buf); err != nil {
		return fmt.Errorf("smbus write to %#x: %w", prv.SlaveAddr>>1, err)
	}
	return nil
}

// pumpReceive polls the slave-mqueue fd and delivers each inbound packet
// to the binding until shutdown. The queue hands out one message per read
// at offset zero.
func (b *Binding) pumpReceive() {
	buf := make([]byte, 256)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		fd := b.inFd
		outFd := b.outFd
		b.mu.Unlock()
		if fd < 0 {
			return
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI | unix.POLLIN}}
		if _, err := unix.Poll(fds, 1000); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Error("smbus receive poll failed")
			time.Sleep(time.Second)
			continue
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, err := unix.Pread(fd, buf, 0)
		if err != nil || n <= 0 {
			continue
		}

		// The queue prepends the destination slave address byte.
		frame := buf[:n]
		if len(frame) < 4 || frame[1] != mctpSmbusCommand {
			continue
		}
		count := int(frame[2])
		if count < 1 || 3+count > len(frame) {
			log.Debug("Dropping truncated smbus frame")
			continue
		}
		srcAddr := frame[3]
		pkt := frame[4 : 3+count]

		src, msg, err := assembler.Unframe(pkt)
		if err != nil {
			log.WithError(err).Debug("Dropping undecodable MCTP packet")
			continue
		}

		prv := transport.SMBusPrivate{
			Fd:        int32(outFd),
			SlaveAddr: srcAddr &^ 1,
		}
		b.HandleInbound(src, msg, prv.Encode())
	}
}

// StartReceive launches the inbound pump. Separate from Start so tests
// can drive HandleInbound directly.
func (b *Binding) StartReceive() {
	go b.pumpReceive()
}
