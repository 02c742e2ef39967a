// Package smbus implements the MCTP-over-SMBus transport binding: root-bus
// and mux-leaf enumeration, slave address probing, mux idle-mode
// arbitration, bandwidth reservation and the periodic device scan.
package smbus

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// i2c-dev ioctl numbers and SMBus transaction constants from
// <linux/i2c-dev.h> and <linux/i2c.h>.
const (
	i2cSlave = 0x0703
	i2cSmbus = 0x0720

	smbusWrite uint8 = 0
	smbusRead  uint8 = 1

	smbusQuick uint32 = 0
	smbusByte  uint32 = 1
)

// i2cSmbusIoctlData mirrors struct i2c_smbus_ioctl_data.
type i2cSmbusIoctlData struct {
	readWrite uint8
	command   uint8
	size      uint32
	data      unsafe.Pointer
}

// Prober issues presence probes against i2c slave addresses. addr is the
// 7-bit address.
type Prober interface {
	// ProbeRead selects addr and issues a one-byte SMBus read. Used for
	// the EEPROM address ranges, where a write-quick can corrupt state.
	ProbeRead(fd int, addr uint8) bool
	// ProbeWriteQuick selects addr and issues an SMBus write-quick.
	ProbeWriteQuick(fd int, addr uint8) bool
}

// DevProber is the real Prober over /dev/i2c-N file descriptors.
type DevProber struct{}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func setSlave(fd int, addr uint8) error {
	return ioctl(fd, i2cSlave, uintptr(addr))
}

func smbusXfer(fd int, readWrite uint8, command uint8, size uint32, data unsafe.Pointer) error {
	args := i2cSmbusIoctlData{
		readWrite: readWrite,
		command:   command,
		size:      size,
		data:      data,
	}
	return ioctl(fd, i2cSmbus, uintptr(unsafe.Pointer(&args)))
}

// ProbeRead implements Prober with a real byte read.
func (DevProber) ProbeRead(fd int, addr uint8) bool {
	if setSlave(fd, addr) != nil {
		// Busy slave, likely claimed by a kernel driver.
		return false
	}
	var data [34]byte
	return smbusXfer(fd, smbusRead, 0, smbusByte, unsafe.Pointer(&data)) == nil
}

// ProbeWriteQuick implements Prober with a real write-quick.
func (DevProber) ProbeWriteQuick(fd int, addr uint8) bool {
	if setSlave(fd, addr) != nil {
		return false
	}
	return smbusXfer(fd, smbusWrite, 0, smbusQuick, nil) == nil
}

// isEEPROMAddr reports whether a 7-bit address falls in the ranges probed
// with a read instead of a write-quick.
func isEEPROMAddr(addr uint8) bool {
	return (addr >= 0x30 && addr <= 0x37) || (addr >= 0x50 && addr <= 0x5F)
}

// openI2CDev opens an i2c device node with the flags every fd in this
// binding uses.
func openI2CDev(path string, flags int) (int, error) {
	fd, err := unix.Open(path, flags|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("opening %s: %w", path, err)
	}
	return fd, nil
}
