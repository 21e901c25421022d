package model

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// StrikeDecimals is the fixed-point precision of strikes and prices.
const StrikeDecimals = 18

// IDTerms are the inputs to the position identifier.
type IDTerms struct {
	Owner      common.Address
	Underlying common.Address
	Strike     decimal.Decimal
	Expiry     time.Time
	Direction  Direction
	Sequence   uint64
}

// DerivePositionID returns keccak256 over the packed terms:
//
//	owner(20) | underlying(20) | strike uint256 | expiry uint256 | direction uint8 | sequence uint256
//
// The owner is part of the preimage, so two users can never share an id.
func DerivePositionID(t IDTerms) common.Hash {
	buf := make([]byte, 0, 20+20+32+32+1+32)
	buf = append(buf, t.Owner.Bytes()...)
	buf = append(buf, t.Underlying.Bytes()...)
	buf = append(buf, uint256(StrikeUnits(t.Strike))...)
	buf = append(buf, uint256(big.NewInt(t.Expiry.Unix()))...)
	buf = append(buf, byte(t.Direction))

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], t.Sequence)
	buf = append(buf, common.LeftPadBytes(seq[:], 32)...)

	return crypto.Keccak256Hash(buf)
}

// StrikeUnits converts a decimal strike to its 18-decimal integer form,
// truncating any finer precision.
func StrikeUnits(strike decimal.Decimal) *big.Int {
	return strike.Shift(StrikeDecimals).Truncate(0).BigInt()
}

func uint256(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
