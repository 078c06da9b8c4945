package tree

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sony/sonyflake"
)

var keyEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// KeyGen produces push keys: fixed-width hex of a sonyflake id, so lexical order
// follows generation time across machines and generation order within one.
type KeyGen struct {
	sf *sonyflake.Sonyflake
}

func NewKeyGen(machineID uint16) (*KeyGen, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: keyEpoch,
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, errors.New("tree: key generator init failed")
	}
	return &KeyGen{sf: sf}, nil
}

func (g *KeyGen) Next() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", id), nil
}

// RandomMachineID picks a machine id for clients that have no configured one.
func RandomMachineID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint16(b[:])
}
