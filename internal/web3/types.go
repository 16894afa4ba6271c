package web3

import (
	"context"
	"math/big"
	"time"

	"chain-deployer/internal/artifact"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of an EVM RPC client a session needs. Both
// *ethclient.Client and the go-ethereum simulated client satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Signer is the identity that authorizes and pays for the creation
// transaction. It is owned by the session that produced it.
type Signer struct {
	Address common.Address
	opts    *bind.TransactOpts
}

// NewSigner wraps keyed transact options.
func NewSigner(opts *bind.TransactOpts) *Signer {
	return &Signer{Address: opts.From, opts: opts}
}

// TransactOpts returns a copy of the signer's options bound to ctx.
func (s *Signer) TransactOpts(ctx context.Context) *bind.TransactOpts {
	if s == nil || s.opts == nil {
		return nil
	}
	opts := *s.opts
	opts.Context = ctx
	return &opts
}

// ChainSnapshot summarizes the network a session is connected to.
type ChainSnapshot struct {
	ChainID     *big.Int
	BlockNumber uint64
}

// DeploymentTransaction is a broadcast but not yet confirmed contract
// creation.
type DeploymentTransaction struct {
	Hash             common.Hash
	From             common.Address
	Nonce            uint64
	PredictedAddress common.Address
	SubmittedAt      time.Time
	Tx               *types.Transaction
}

// DeployedContract is a confirmed contract creation.
type DeployedContract struct {
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// WaitOptions bound the confirmation wait. Zero values select the session
// defaults.
type WaitOptions struct {
	Timeout       time.Duration
	Confirmations uint64
	PollInterval  time.Duration
}

// Factory deploys one artifact.
type Factory interface {
	Artifact() *artifact.Artifact
	Deploy(ctx context.Context, signer *Signer, params ...any) (DeploymentTransaction, error)
}

// Session is an open connection to one network plus its optional signer.
type Session interface {
	Name() string
	CurrentSigner(ctx context.Context) (*Signer, error)
	ContractFactory(name string) (Factory, error)
	WaitDeployed(ctx context.Context, tx DeploymentTransaction, opts WaitOptions) (DeployedContract, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
