// Package utils provides shared utility functions for mctpd.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// BusNumFromPath extracts the bus number from an i2c device path or name
// like "/dev/i2c-2" or "i2c-14".
func BusNumFromPath(path string) (int, error) {
	idx := strings.LastIndex(path, "-")
	if idx < 0 || idx == len(path)-1 {
		return 0, fmt.Errorf("malformed i2c bus path %q", path)
	}
	num, err := strconv.Atoi(path[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed i2c bus path %q: %w", path, err)
	}
	return num, nil
}

// SlaveQueueAddr formats a 7-bit BMC slave address the way the kernel
// slave-mqueue backend names it: four hex digits with the MSB fixed to 0x10
// (e.g. 0x10 -> "1010").
func SlaveQueueAddr(addr7bit uint8) string {
	return fmt.Sprintf("10%02x", addr7bit)
}

// IsI2CDevName reports whether an entry under /dev names an i2c character
// device ("i2c-" followed by digits only).
func IsI2CDevName(name string) bool {
	rest, ok := strings.CutPrefix(name, "i2c-")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
