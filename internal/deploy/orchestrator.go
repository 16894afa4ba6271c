// Package deploy 编排一次合约部署：解析签名者、获取合约工厂、广播创建交易并等待确认。
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"chain-deployer/internal/config"
	xerrors "chain-deployer/internal/errors"
	"chain-deployer/internal/notify"
	"chain-deployer/internal/observability/metrics"
	"chain-deployer/internal/report"
	"chain-deployer/internal/storage/ledger"
	"chain-deployer/internal/web3"
	"chain-deployer/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const sideEffectTimeout = 10 * time.Second

// State 表示部署流程所处的阶段。
type State int

const (
	StateIdle State = iota
	StateSignerResolved
	StateFactoryResolved
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignerResolved:
		return "signer_resolved"
	case StateFactoryResolved:
		return "factory_resolved"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Opener 根据网络配置打开会话，通常是 ethereum.Open 的闭包。
type Opener func(ctx context.Context, cfg config.NetworkConfig) (web3.Session, error)

type balanceReader interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Orchestrator 负责单次部署。它本身不持有网络连接，可以重复使用。
type Orchestrator struct {
	reporter  report.Reporter
	logger    *slog.Logger
	audit     *slog.Logger
	ledger    ledger.Repository
	announcer notify.Publisher
	metrics   *metrics.Metrics
	wait      web3.WaitOptions
	params    []any
	now       func() time.Time
	newID     func() string
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithReporter 指定进度输出。
func WithReporter(r report.Reporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithLogger 指定运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuditLogger 指定审计日志，部署结果会写入其中。
func WithAuditLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.audit = l
		}
	}
}

// WithLedger 持久化每次部署结果。
func WithLedger(repo ledger.Repository) Option {
	return func(o *Orchestrator) {
		o.ledger = repo
	}
}

// WithAnnouncer 广播每次部署结果。
func WithAnnouncer(p notify.Publisher) Option {
	return func(o *Orchestrator) {
		o.announcer = p
	}
}

// WithMetrics 记录阶段耗时与结果计数。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithWaitOptions 配置确认等待策略。
func WithWaitOptions(w web3.WaitOptions) Option {
	return func(o *Orchestrator) {
		o.wait = w
	}
}

// WithConstructorArgs 传入合约构造参数。
func WithConstructorArgs(params ...any) Option {
	return func(o *Orchestrator) {
		o.params = params
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 构造 Orchestrator。
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reporter: report.Discard(),
		logger:   logger.Discard(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.audit == nil {
		o.audit = o.logger
	}
	return o
}

// run 记录单次部署过程中的中间状态。
type run struct {
	id        string
	network   string
	contract  string
	state     State
	startedAt time.Time
	signer    common.Address
	txHash    *common.Hash
	log       *slog.Logger
}

func (o *Orchestrator) newRun(network, contract string) *run {
	r := &run{
		id:        o.newID(),
		network:   network,
		contract:  contract,
		startedAt: o.now(),
	}
	r.log = o.logger.With(slog.String("run_id", r.id), slog.String("network", network), slog.String("contract", contract))
	return r
}

func (r *run) advance(next State, attrs ...any) {
	r.log.Debug("deployment state changed", append([]any{slog.String("from", r.state.String()), slog.String("to", next.String())}, attrs...)...)
	r.state = next
}

// Run 打开会话后执行部署，会话打开失败同样被归类为 Failure。
func (o *Orchestrator) Run(ctx context.Context, open Opener, cfg config.NetworkConfig, contract string) Result {
	r := o.newRun(cfg.Name, contract)
	if open == nil {
		return o.fail(ctx, r, xerrors.New(xerrors.CodeConfiguration, "no session opener"))
	}
	session, err := open(ctx, cfg)
	if err != nil {
		return o.fail(ctx, r, err)
	}
	if session == nil {
		return o.fail(ctx, r, xerrors.New(xerrors.CodeConfiguration, "no network session"))
	}
	defer session.Close()
	return o.deploy(ctx, r, session)
}

// Deploy 使用已打开的会话部署名为 contract 的合约。它不会 panic，也不会返回 error，
// 所有失败都体现在 Failure 中。
func (o *Orchestrator) Deploy(ctx context.Context, session web3.Session, contract string) Result {
	network := ""
	if session != nil {
		network = session.Name()
	}
	return o.deploy(ctx, o.newRun(network, contract), session)
}

func (o *Orchestrator) deploy(ctx context.Context, r *run, session web3.Session) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = o.fail(ctx, r, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("panic during %s: %v", r.state, rec)))
		}
	}()
	if session == nil {
		return o.fail(ctx, r, xerrors.New(xerrors.CodeConfiguration, "no network session"))
	}
	if strings.TrimSpace(r.contract) == "" {
		return o.fail(ctx, r, xerrors.New(xerrors.CodeArtifactNotFound, "empty contract name"))
	}

	start := o.now()
	signer, err := session.CurrentSigner(ctx)
	o.metrics.StageDuration(metrics.StageSigner, o.now().Sub(start))
	if err != nil {
		return o.fail(ctx, r, err)
	}
	r.signer = signer.Address
	r.advance(StateSignerResolved, slog.String("signer", signer.Address.Hex()))
	o.reporter.Line("Deploying contracts with the account: %s", signer.Address.Hex())
	o.logBalance(ctx, r, session, signer.Address)

	start = o.now()
	factory, err := session.ContractFactory(r.contract)
	o.metrics.StageDuration(metrics.StageFactory, o.now().Sub(start))
	if err != nil {
		return o.fail(ctx, r, err)
	}
	r.advance(StateFactoryResolved)
	o.reporter.Line("Got contract factory for %s.", r.contract)

	start = o.now()
	tx, err := factory.Deploy(ctx, signer, o.params...)
	o.metrics.StageDuration(metrics.StageSubmit, o.now().Sub(start))
	if err != nil {
		return o.fail(ctx, r, err)
	}
	hash := tx.Hash
	r.txHash = &hash
	r.advance(StateSubmitted, slog.String("tx_hash", hash.Hex()), slog.Uint64("nonce", tx.Nonce))
	o.reporter.Line("Deployment transaction hash: %s", hash.Hex())

	start = o.now()
	deployed, err := session.WaitDeployed(ctx, tx, o.wait)
	o.metrics.StageDuration(metrics.StageConfirm, o.now().Sub(start))
	if err != nil {
		return o.fail(ctx, r, err)
	}
	r.advance(StateConfirmed, slog.String("address", deployed.Address.Hex()), slog.Uint64("block", deployed.BlockNumber))
	o.reporter.Line("%s contract deployed to: %s", r.contract, deployed.Address.Hex())

	success := Success{
		RunID:       r.id,
		Contract:    r.contract,
		Address:     deployed.Address,
		TxHash:      deployed.TxHash,
		BlockNumber: deployed.BlockNumber,
		GasUsed:     deployed.GasUsed,
	}
	o.succeed(ctx, r, session, success)
	return success
}

func (o *Orchestrator) logBalance(ctx context.Context, r *run, session web3.Session, addr common.Address) {
	reader, ok := session.(balanceReader)
	if !ok {
		return
	}
	balance, err := reader.Balance(ctx, addr)
	if err != nil {
		r.log.Debug("signer balance unavailable", slog.Any("error", err))
		return
	}
	r.log.Info("signer resolved", slog.String("signer", addr.Hex()), slog.String("balance_wei", balance.String()))
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) Failure {
	failure := failureFrom(r.id, r.contract, err, r.txHash)
	o.reporter.Line("Deployment failed: %s", failure.Reason)

	attrs := []any{
		slog.String("run_id", r.id),
		slog.String("network", r.network),
		slog.String("contract", r.contract),
		slog.String("stage", r.state.String()),
		slog.String("code", string(failure.Code)),
		slog.String("reason", failure.Reason),
	}
	if r.txHash != nil {
		attrs = append(attrs, slog.String("tx_hash", r.txHash.Hex()))
	}
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		o.audit.Error("contract deployment failed", attrs...)
	} else {
		o.audit.Warn("contract deployment failed", attrs...)
	}
	r.advance(StateFailed)

	o.metrics.RecordOutcome(r.contract, strings.ToLower(string(failure.Code)))
	record := o.baseRecord(r, ledger.StatusFailed)
	record.Code = string(failure.Code)
	record.Reason = failure.Reason
	o.persist(ctx, r, record)
	return failure
}

func (o *Orchestrator) succeed(ctx context.Context, r *run, session web3.Session, s Success) {
	o.audit.Info("contract deployed",
		slog.String("run_id", r.id),
		slog.String("network", r.network),
		slog.String("contract", r.contract),
		slog.String("signer", r.signer.Hex()),
		slog.String("tx_hash", s.TxHash.Hex()),
		slog.String("address", s.Address.Hex()),
		slog.Uint64("block", s.BlockNumber),
		slog.Uint64("gas_used", s.GasUsed),
	)
	o.metrics.RecordOutcome(r.contract, ledger.StatusConfirmed.String())
	o.metrics.RecordGasUsed(s.GasUsed)

	record := o.baseRecord(r, ledger.StatusConfirmed)
	record.Address = s.Address.Hex()
	record.BlockNumber = s.BlockNumber
	record.GasUsed = s.GasUsed
	if snapshot, err := session.Snapshot(ctx); err == nil && snapshot.ChainID != nil {
		record.ChainID = snapshot.ChainID.String()
	}
	o.persist(ctx, r, record)
}

func (o *Orchestrator) baseRecord(r *run, status ledger.Status) ledger.Record {
	record := ledger.Record{
		ID:         r.id,
		Network:    r.network,
		Contract:   r.contract,
		Status:     status,
		StartedAt:  r.startedAt,
		FinishedAt: o.now(),
	}
	if r.signer != (common.Address{}) {
		record.Signer = r.signer.Hex()
	}
	if r.txHash != nil {
		record.TxHash = r.txHash.Hex()
	}
	return record
}

// persist 写入 ledger 并广播结果。这两步的失败只记录日志，不会改变部署结果。
func (o *Orchestrator) persist(ctx context.Context, r *run, record ledger.Record) {
	if o.ledger == nil && o.announcer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if o.ledger != nil {
		if err := o.ledger.Save(ctx, record); err != nil {
			r.log.Error("save deployment record failed", slog.Any("error", err))
		}
	}
	if o.announcer != nil {
		event := notify.Event{
			RunID:       record.ID,
			Network:     record.Network,
			ChainID:     record.ChainID,
			Contract:    record.Contract,
			Status:      record.Status.String(),
			Signer:      record.Signer,
			TxHash:      record.TxHash,
			Address:     record.Address,
			BlockNumber: record.BlockNumber,
			Code:        record.Code,
			Reason:      record.Reason,
			OccurredAt:  record.FinishedAt,
		}
		if err := o.announcer.Publish(ctx, event); err != nil {
			r.log.Error("announce deployment failed", slog.String("channel", o.announcer.Channel()), slog.Any("error", err))
		}
	}
}
