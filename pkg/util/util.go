package util

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// ParseMAC parses a 48-bit link-layer address in any form accepted by
// net.ParseMAC.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, errors.Wrapf(err, "cannot parse MAC address %v", s)
	}
	if len(hw) != 6 {
		return mac, errors.Errorf("MAC address %v is not 48 bits", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
