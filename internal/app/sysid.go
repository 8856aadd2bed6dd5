package app

import (
	"fmt"

	"github.com/srg/blesense/internal/stack"
)

// SystemID is the 8-byte value of the System ID characteristic.
type SystemID [8]byte

// DeriveSystemID builds the System ID from an identity address: the three most
// significant address bytes, the 0xFF 0xFE pad, then the three least significant
// bytes, most significant first.
func DeriveSystemID(addr stack.Address) SystemID {
	return SystemID{
		addr[5], addr[4], addr[3],
		0xFF, 0xFE,
		addr[2], addr[1], addr[0],
	}
}

func (id SystemID) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X:%02X:%02X",
		id[0], id[1], id[2], id[3], id[4], id[5], id[6], id[7])
}
