// Package simchain runs an in-process go-ethereum chain for tests. Every
// accepted transaction is mined immediately and broadcast attempts are
// counted, so callers can assert how many transactions reached the network.
package simchain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync/atomic"

	"chain-deployer/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// OneEther is 10^18 wei.
var OneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Chain wraps a simulated backend.
type Chain struct {
	sim      *simulated.Backend
	client   simulated.Client
	sends    atomic.Int64
	manual   atomic.Bool
	sendHook func(*types.Transaction) error
}

// New starts a chain where every address in funded holds one ether.
func New(funded ...common.Address) *Chain {
	alloc := types.GenesisAlloc{}
	for _, addr := range funded {
		alloc[addr] = types.Account{Balance: new(big.Int).Set(OneEther)}
	}
	sim := simulated.NewBackend(alloc, simulated.WithBlockGasLimit(8_000_000))
	return &Chain{sim: sim, client: sim.Client()}
}

// NewKey generates a fresh secp256k1 key and returns it with its address.
func NewKey() (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, err
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// Backend returns the counting, auto-mining view of the chain.
func (c *Chain) Backend() web3.Backend {
	return &miner{Client: c.client, chain: c}
}

// Client returns the raw simulated client, bypassing the broadcast counter.
func (c *Chain) Client() simulated.Client {
	return c.client
}

// Commit mines a block.
func (c *Chain) Commit() common.Hash {
	return c.sim.Commit()
}

// SetManualMining disables mining on broadcast; blocks are then only produced
// by Commit.
func (c *Chain) SetManualMining(manual bool) {
	c.manual.Store(manual)
}

// OnSend installs a hook that can reject transactions before they reach the
// pool. A nil hook accepts everything.
func (c *Chain) OnSend(hook func(*types.Transaction) error) {
	c.sendHook = hook
}

// Broadcasts returns how many SendTransaction calls reached the chain.
func (c *Chain) Broadcasts() int {
	return int(c.sends.Load())
}

// Receipt fetches a receipt directly from the chain.
func (c *Chain) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, hash)
}

// Close stops the underlying node.
func (c *Chain) Close() error {
	return c.sim.Close()
}

type miner struct {
	simulated.Client
	chain *Chain
}

func (m *miner) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.chain.sends.Add(1)
	if hook := m.chain.sendHook; hook != nil {
		if err := hook(tx); err != nil {
			return err
		}
	}
	if err := m.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	if !m.chain.manual.Load() {
		m.chain.sim.Commit()
	}
	return nil
}
