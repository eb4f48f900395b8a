package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// Backend is everything the gateways, executor and projector need from a
// node. *ethclient.Client satisfies it, and so does FakeBackend.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend

	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}
