package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MinSeedBytes is the minimum master seed length.
const MinSeedBytes = 32

var ErrWeakSeed = errors.New("chain: deposit seed must be at least 32 bytes of hex")

// AddressDeriver maps payment intent ids to deterministic deposit
// addresses. The private key for each address can be re-derived from the
// master seed for sweeping, so nothing per-intent needs storing.
type AddressDeriver struct {
	seed []byte
}

// NewAddressDeriver parses a hex master seed.
func NewAddressDeriver(hexSeed string) (*AddressDeriver, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(hexSeed, "0x"))
	if err != nil || len(seed) < MinSeedBytes {
		return nil, ErrWeakSeed
	}
	return &AddressDeriver{seed: seed}, nil
}

// Derive returns the deposit address for intentID.
func (d *AddressDeriver) Derive(intentID string) (common.Address, error) {
	key, err := crypto.ToECDSA(crypto.Keccak256(d.seed, []byte(intentID)))
	if err != nil {
		// keccak output outside the curve order; astronomically unlikely
		return common.Address{}, fmt.Errorf("chain: derive key for %s: %w", intentID, err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
