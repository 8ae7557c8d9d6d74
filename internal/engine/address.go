package engine

import (
	"encoding/binary"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

// DeriveContractAddress computes the Neo N3 address of a new contract from
// its creator, code id and the global instance sequence.
func DeriveContractAddress(creator string, codeID, seq uint64) string {
	buf := make([]byte, 0, 9+len(creator)+16)
	buf = append(buf, "contract:"...)
	buf = append(buf, creator...)
	buf = binary.BigEndian.AppendUint64(buf, codeID)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return address.Uint160ToString(hash.Hash160(buf))
}

// ValidateAddress checks that addr is a well-formed Neo N3 address.
func ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) != addr || addr == "" {
		return ErrInvalidAddress.WithDetails("%q", addr)
	}
	if _, err := address.StringToUint160(addr); err != nil {
		return ErrInvalidAddress.WithDetails("%q: %v", addr, err)
	}
	return nil
}

type neoAPI struct{}

func (neoAPI) AddrValidate(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}
