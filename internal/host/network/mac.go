package network

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/containerd/errdefs"
)

// LocalMACPrefix is the locally administered QEMU/KVM OUI used for guest NICs.
const LocalMACPrefix = "52:54:00"

// GenerateMAC returns a random address under LocalMACPrefix.
func GenerateMAC() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate MAC address: %w", err)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", LocalMACPrefix, b[0], b[1], b[2]), nil
}

// GenerateUniqueMAC returns a random address not present in taken.
func GenerateUniqueMAC(taken map[string]struct{}) (string, error) {
	for range 64 {
		mac, err := GenerateMAC()
		if err != nil {
			return "", err
		}
		if _, ok := taken[mac]; !ok {
			return mac, nil
		}
	}
	return "", fmt.Errorf("could not find an unused MAC address: %w", errdefs.ErrResourceExhausted)
}

// NormalizeMAC validates a 48-bit MAC address and returns it in lower-case
// colon-separated form.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("invalid MAC address %q: %w", mac, errdefs.ErrInvalidArgument)
	}
	return hw.String(), nil
}
