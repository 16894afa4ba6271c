package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chain-deployer/internal/artifact"
	"chain-deployer/internal/config"
	xerrors "chain-deployer/internal/errors"
	"chain-deployer/internal/web3"
	"chain-deployer/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 5 * time.Minute
)

// Option customizes a Session.
type Option func(*Session)

// WithGasLimit fixes the gas limit of the creation transaction, which skips
// gas estimation.
func WithGasLimit(limit uint64) Option {
	return func(s *Session) {
		s.gasLimit = limit
	}
}

// WithClock overrides the time source used for submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session implements web3.Session for EVM compatible chains.
type Session struct {
	name      string
	backend   web3.Backend
	closer    func()
	key       *ecdsa.PrivateKey
	expected  *big.Int
	artifacts artifact.Source
	gasLimit  uint64
	now       func() time.Time
	log       *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
	signer  *web3.Signer
}

var _ web3.Session = (*Session)(nil)

// Open validates cfg and dials the endpoint. HTTP endpoints are dialed
// lazily by go-ethereum, so no request is sent until the session is used.
func Open(ctx context.Context, cfg config.NetworkConfig, artifacts artifact.Source, opts ...Option) (*Session, error) {
	endpoint := strings.TrimSpace(cfg.EndpointURL)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "empty endpoint")
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	key, err := parseSigningKey(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	rpcClient, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "cannot connect to endpoint")
	}
	eth := ethclient.NewClient(rpcClient)

	s := newSession(cfg.Name, eth, key, artifacts, opts...)
	s.expected = cfg.ChainID
	s.closer = eth.Close
	return s, nil
}

// NewBackendSession wraps an existing backend, typically the go-ethereum
// simulated backend in tests. key may be nil for a read-only session.
func NewBackendSession(name string, backend web3.Backend, key *ecdsa.PrivateKey, artifacts artifact.Source, opts ...Option) *Session {
	return newSession(name, backend, key, artifacts, opts...)
}

func newSession(name string, backend web3.Backend, key *ecdsa.PrivateKey, artifacts artifact.Source, opts ...Option) *Session {
	s := &Session{
		name:      name,
		backend:   backend,
		key:       key,
		artifacts: artifacts,
		now:       time.Now,
		log:       logger.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func validateEndpoint(endpoint string) error {
	if filepath.IsAbs(endpoint) {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "malformed endpoint")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("malformed endpoint: unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return xerrors.New(xerrors.CodeConfiguration, "malformed endpoint: missing host")
	}
	return nil
}

func parseSigningKey(raw *string) (*ecdsa.PrivateKey, error) {
	if raw == nil {
		return nil, nil
	}
	hexKey := strings.TrimSpace(*raw)
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// the underlying error may echo key material
		return nil, xerrors.New(xerrors.CodeConfiguration, "invalid signing key")
	}
	return key, nil
}

// Name returns the network name.
func (s *Session) Name() string {
	return s.name
}

// Close releases the RPC connection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		s.closer()
		s.closer = nil
	}
}

// CurrentSigner returns the configured signer. Without a signing key it
// fails with NO_SIGNER_AVAILABLE before touching the network.
func (s *Session) CurrentSigner(ctx context.Context) (*web3.Signer, error) {
	if s.key == nil {
		return nil, xerrors.New(xerrors.CodeNoSigner, fmt.Sprintf("no signing key configured for network %s", s.name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer != nil {
		return s.signer, nil
	}

	chainID, err := s.chainIDLocked(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "build transactor")
	}
	if s.gasLimit > 0 {
		opts.GasLimit = s.gasLimit
	}
	s.signer = web3.NewSigner(opts)
	return s.signer, nil
}

func (s *Session) chainIDLocked(ctx context.Context) (*big.Int, error) {
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "network unreachable while reading chain id")
	}
	if s.expected != nil && s.expected.Cmp(id) != 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("endpoint reports chain id %s, expected %s", id, s.expected))
	}
	s.chainID = id
	return id, nil
}

// ContractFactory resolves an artifact by name.
func (s *Session) ContractFactory(name string) (web3.Factory, error) {
	if s.artifacts == nil {
		return nil, xerrors.New(xerrors.CodeArtifactNotFound, fmt.Sprintf("no compiled artifact for %q", name))
	}
	a, err := s.artifacts.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Factory{artifact: a, session: s}, nil
}

// Snapshot reads the chain id and latest block number.
func (s *Session) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	s.mu.Lock()
	chainID, err := s.chainIDLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	block, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeSubmission, err, "network unreachable while reading block number")
	}
	return web3.ChainSnapshot{ChainID: new(big.Int).Set(chainID), BlockNumber: block}, nil
}

// Balance returns the latest balance of addr in wei.
func (s *Session) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := s.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "query balance")
	}
	return balance, nil
}

// WaitDeployed polls for the receipt of tx until it is included with the
// requested number of confirmations, reverts, or the wait is cut short.
func (s *Session) WaitDeployed(ctx context.Context, tx web3.DeploymentTransaction, opts web3.WaitOptions) (web3.DeployedContract, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	confirmations := opts.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hashMeta := xerrors.WithMetadata("tx_hash", tx.Hash.Hex())
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, tx.Hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == coretypes.ReceiptStatusFailed {
				return web3.DeployedContract{}, xerrors.New(xerrors.CodeConfirmation,
					fmt.Sprintf("transaction %s reverted in block %s", tx.Hash.Hex(), receipt.BlockNumber), hashMeta)
			}
			done, err := s.confirmed(ctx, receipt, confirmations)
			if err != nil {
				if timedOut(ctx, err) {
					return web3.DeployedContract{}, waitAborted(tx, context.DeadlineExceeded, hashMeta)
				}
				return web3.DeployedContract{}, xerrors.Wrap(xerrors.CodeConfirmation, err, "read chain head", hashMeta)
			}
			if done {
				return s.deployedContract(ctx, tx, receipt)
			}
		case err != nil && !errors.Is(err, gethcore.NotFound):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return web3.DeployedContract{}, waitAborted(tx, ctxErr, hashMeta)
			}
			if timedOut(ctx, err) {
				return web3.DeployedContract{}, waitAborted(tx, context.DeadlineExceeded, hashMeta)
			}
			return web3.DeployedContract{}, xerrors.Wrap(xerrors.CodeConfirmation, err, "connection lost while waiting for receipt", hashMeta)
		}

		select {
		case <-ctx.Done():
			return web3.DeployedContract{}, waitAborted(tx, ctx.Err(), hashMeta)
		case <-ticker.C:
		}
	}
}

// timedOut 判断 RPC 错误是否源于等待期限：传输层可能在 ctx.Err() 置位之前
// 先以 i/o timeout 失败。
func timedOut(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func waitAborted(tx web3.DeploymentTransaction, cause error, opt xerrors.Option) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeConfirmation, cause, fmt.Sprintf("timed out waiting for %s", tx.Hash.Hex()), opt)
	}
	return xerrors.Wrap(xerrors.CodeConfirmation, cause, fmt.Sprintf("stopped waiting for %s", tx.Hash.Hex()), opt)
}

func (s *Session) confirmed(ctx context.Context, receipt *coretypes.Receipt, confirmations uint64) (bool, error) {
	if confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	included := receipt.BlockNumber.Uint64()
	s.log.Debug("waiting for confirmations", "included", included, "head", head, "want", confirmations)
	return head+1 >= included+confirmations, nil
}

func (s *Session) deployedContract(ctx context.Context, tx web3.DeploymentTransaction, receipt *coretypes.Receipt) (web3.DeployedContract, error) {
	hashMeta := xerrors.WithMetadata("tx_hash", tx.Hash.Hex())
	address := receipt.ContractAddress
	if address == (common.Address{}) {
		return web3.DeployedContract{}, xerrors.New(xerrors.CodeConfirmation, "receipt carries no contract address", hashMeta)
	}
	code, err := s.backend.CodeAt(ctx, address, nil)
	if err != nil {
		return web3.DeployedContract{}, xerrors.Wrap(xerrors.CodeConfirmation, err, "read deployed code", hashMeta)
	}
	if len(code) == 0 {
		return web3.DeployedContract{}, xerrors.New(xerrors.CodeConfirmation,
			fmt.Sprintf("no code at %s after deployment", address.Hex()), hashMeta)
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return web3.DeployedContract{
		Address:     address,
		TxHash:      tx.Hash,
		BlockNumber: block,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Factory deploys one artifact through its session.
type Factory struct {
	artifact *artifact.Artifact
	session  *Session
}

// Artifact returns the resolved artifact.
func (f *Factory) Artifact() *artifact.Artifact {
	return f.artifact
}

// Deploy signs and broadcasts the creation transaction. It returns as soon
// as the node accepted the transaction.
func (f *Factory) Deploy(ctx context.Context, signer *web3.Signer, params ...any) (web3.DeploymentTransaction, error) {
	if signer == nil {
		return web3.DeploymentTransaction{}, xerrors.New(xerrors.CodeNoSigner, "")
	}
	auth := signer.TransactOpts(ctx)
	if auth == nil {
		return web3.DeploymentTransaction{}, xerrors.New(xerrors.CodeNoSigner, "")
	}

	address, tx, _, err := bind.DeployContract(auth, f.artifact.ABI, f.artifact.Bytecode, f.session.backend, params...)
	if err != nil {
		return web3.DeploymentTransaction{}, xerrors.Wrap(xerrors.CodeSubmission, err,
			fmt.Sprintf("broadcast %s creation transaction", f.artifact.Name),
			xerrors.WithMetadata("contract", f.artifact.Name))
	}
	return web3.DeploymentTransaction{
		Hash:             tx.Hash(),
		From:             auth.From,
		Nonce:            tx.Nonce(),
		PredictedAddress: address,
		SubmittedAt:      f.session.now(),
		Tx:               tx,
	}, nil
}
