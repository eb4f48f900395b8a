package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	StatusLocked    = "Locked"
	StatusWithdrawn = "Withdrawn"
)

// Deposit is one escrowed position as reported by the vault.
type Deposit struct {
	ID          uint64         `json:"depositId"`
	Depositor   common.Address `json:"depositor"`
	Beneficiary common.Address `json:"beneficiary"`
	Token       common.Address `json:"token"`
	Amount      *big.Int       `json:"amount"`
	UnlockTime  int64          `json:"unlockTime"`
	Withdrawn   bool           `json:"withdrawn"`
}

// IsNative reports whether the deposit holds ETH rather than a token.
func (d Deposit) IsNative() bool {
	return d.Token == (common.Address{})
}

func (d Deposit) Status() string {
	if d.Withdrawn {
		return StatusWithdrawn
	}
	return StatusLocked
}

// TokenLabel is "ETH" for native deposits and the short token address otherwise.
func (d Deposit) TokenLabel() string {
	if d.IsNative() {
		return "ETH"
	}
	return Short(d.Token)
}

// DisplayAmount renders ETH in ether and tokens in base units.
func (d Deposit) DisplayAmount() string {
	if d.IsNative() {
		return FormatEther(d.Amount)
	}
	if d.Amount == nil {
		return "0"
	}
	return d.Amount.String()
}

// DepositCreated is a decoded DepositCreated log.
type DepositCreated struct {
	Deposit
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Short abbreviates an address as 0x1234...abcd.
func Short(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
