package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chain-deployer/internal/artifact"
	"chain-deployer/internal/config"
	xerrors "chain-deployer/internal/errors"
	"chain-deployer/internal/notify"
	"chain-deployer/internal/observability/metrics"
	"chain-deployer/internal/report"
	"chain-deployer/internal/storage/ledger"
	"chain-deployer/internal/web3"
	"chain-deployer/internal/web3/ethereum"
	"chain-deployer/internal/web3/simchain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	votingSystemBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
	revertingBin    = "0x60006000fd"
)

type fixture struct {
	chain    *simchain.Chain
	session  *ethereum.Session
	recorder *report.Recorder
}

func registry(t *testing.T) *artifact.Registry {
	t.Helper()
	voting, err := artifact.New("VotingSystem", "[]", common.FromHex(votingSystemBin))
	require.NoError(t, err)
	reverting, err := artifact.New("Reverting", "[]", common.FromHex(revertingBin))
	require.NoError(t, err)
	reg, err := artifact.NewRegistry(voting, reverting)
	require.NoError(t, err)
	return reg
}

// newFixture starts a simulated chain. funded controls whether the signer
// holds any ether; withKey controls whether the session has a signer at all.
func newFixture(t *testing.T, funded, withKey bool) *fixture {
	t.Helper()
	key, addr, err := simchain.NewKey()
	require.NoError(t, err)

	var chain *simchain.Chain
	if funded {
		chain = simchain.New(addr)
	} else {
		chain = simchain.New()
	}
	t.Cleanup(func() { _ = chain.Close() })

	if !withKey {
		key = nil
	}
	session := ethereum.NewBackendSession("simulated", chain.Backend(), key, registry(t), ethereum.WithGasLimit(1_000_000))
	t.Cleanup(session.Close)
	return &fixture{chain: chain, session: session, recorder: &report.Recorder{}}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	base := []Option{
		WithReporter(f.recorder),
		WithWaitOptions(web3.WaitOptions{PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second}),
	}
	return New(append(base, opts...)...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDeploySuccess(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)

	result := f.orchestrator().Deploy(ctx, f.session, "VotingSystem")
	require.True(t, result.Succeeded(), "%+v", result)
	success := result.(Success)

	receipt, err := f.chain.Receipt(ctx, success.TxHash)
	require.NoError(t, err)
	assert.Equal(t, receipt.ContractAddress, success.Address)
	assert.Equal(t, receipt.BlockNumber.Uint64(), success.BlockNumber)
	assert.Equal(t, receipt.GasUsed, success.GasUsed)
	assert.Equal(t, 1, f.chain.Broadcasts())
	assert.Equal(t, 0, ExitCode(result))

	signer, err := f.session.CurrentSigner(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Deploying contracts with the account: " + signer.Address.Hex(),
		"Got contract factory for VotingSystem.",
		"Deployment transaction hash: " + success.TxHash.Hex(),
		"VotingSystem contract deployed to: " + success.Address.Hex(),
	}, f.recorder.Lines())
}

func TestDeployTwiceYieldsDistinctAddresses(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)
	o := f.orchestrator()

	first := o.Deploy(ctx, f.session, "VotingSystem")
	second := o.Deploy(ctx, f.session, "VotingSystem")
	require.True(t, first.Succeeded())
	require.True(t, second.Succeeded())
	assert.NotEqual(t, first.(Success).Address, second.(Success).Address)
	assert.NotEqual(t, first.(Success).RunID, second.(Success).RunID)
	assert.Equal(t, 2, f.chain.Broadcasts())
}

func TestRunWithEmptyEndpoint(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)
	opened := false
	opener := func(ctx context.Context, cfg config.NetworkConfig) (web3.Session, error) {
		s, err := ethereum.Open(ctx, cfg, registry(t))
		if err != nil {
			return nil, err
		}
		s.Close()
		opened = true
		return f.session, nil
	}

	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	result := f.orchestrator().Run(ctx, opener, config.NetworkConfig{Name: "sepolia", EndpointURL: "", SigningKey: &key}, "VotingSystem")

	require.False(t, result.Succeeded())
	failure := result.(Failure)
	assert.Equal(t, xerrors.CodeConfiguration, failure.Code)
	assert.Equal(t, "configuration error: empty endpoint", failure.Reason)
	assert.Nil(t, failure.TxHash)
	assert.False(t, opened)
	assert.Equal(t, 0, f.chain.Broadcasts())
	assert.Equal(t, []string{"Deployment failed: configuration error: empty endpoint"}, f.recorder.Lines())
	assert.Equal(t, 1, ExitCode(result))
}

func TestRunOpensAndClosesSession(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)
	tracked := &closeTracker{Session: f.session}
	opener := func(context.Context, config.NetworkConfig) (web3.Session, error) { return tracked, nil }

	result := f.orchestrator().Run(ctx, opener, config.NetworkConfig{Name: "simulated"}, "VotingSystem")
	assert.True(t, result.Succeeded())
	assert.True(t, tracked.closed)

	result = f.orchestrator().Run(ctx, nil, config.NetworkConfig{}, "VotingSystem")
	assert.Equal(t, xerrors.CodeConfiguration, result.(Failure).Code)
}

func TestDeployWithoutSigningKey(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, false)

	result := f.orchestrator().Deploy(ctx, f.session, "VotingSystem")
	failure, ok := result.(Failure)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeNoSigner, failure.Code)
	assert.Equal(t, 0, f.chain.Broadcasts())

	lines := f.recorder.Lines()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "Deployment failed: no signer available"), lines[0])
}

func TestDeployWithInsufficientBalance(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, false, true)

	result := f.orchestrator().Deploy(ctx, f.session, "VotingSystem")
	failure, ok := result.(Failure)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeSubmission, failure.Code)
	assert.Nil(t, failure.TxHash)

	lines := f.recorder.Lines()
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Deploying contracts with the account: "))
	assert.Equal(t, "Got contract factory for VotingSystem.", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "Deployment failed: submission error"), lines[2])
	for _, line := range lines {
		assert.NotContains(t, line, "Deployment transaction hash")
	}
}

func TestDeployRevertedConstructor(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)

	result := f.orchestrator().Deploy(ctx, f.session, "Reverting")
	failure, ok := result.(Failure)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeConfirmation, failure.Code)
	require.NotNil(t, failure.TxHash)
	assert.Equal(t, 1, f.chain.Broadcasts())

	lines := f.recorder.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "Deployment transaction hash: "+failure.TxHash.Hex(), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "Deployment failed: confirmation error"), lines[3])
	for _, line := range lines {
		assert.NotContains(t, line, "contract deployed to")
	}
}

func TestDeployUnknownArtifact(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)

	result := f.orchestrator().Deploy(ctx, f.session, "Ballot")
	failure := result.(Failure)
	assert.Equal(t, xerrors.CodeArtifactNotFound, failure.Code)
	assert.Equal(t, 0, f.chain.Broadcasts())
	assert.Len(t, f.recorder.Lines(), 2)

	result = f.orchestrator().Deploy(ctx, f.session, " ")
	assert.Equal(t, xerrors.CodeArtifactNotFound, result.(Failure).Code)
}

func TestDeployNilSession(t *testing.T) {
	result := New().Deploy(context.Background(), nil, "VotingSystem")
	assert.Equal(t, xerrors.CodeConfiguration, result.(Failure).Code)
}

func TestDeployRecoversFromPanics(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)

	result := f.orchestrator().Deploy(ctx, panickingSession{f.session}, "VotingSystem")
	failure, ok := result.(Failure)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeUnknown, failure.Code)
	assert.Contains(t, failure.Reason, "panic during signer_resolved")
}

func TestDeployRecordsSideEffects(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)

	repo, err := ledger.NewFileRepository(t.TempDir())
	require.NoError(t, err)
	announcer := notify.NewMemory()
	m := metrics.New()
	o := f.orchestrator(WithLedger(repo), WithAnnouncer(announcer), WithMetrics(m), WithLogger(nil))

	success := o.Deploy(ctx, f.session, "VotingSystem").(Success)
	failure := o.Deploy(ctx, f.session, "Reverting").(Failure)

	records, err := repo.ListLatest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, failure.RunID, records[0].ID)
	assert.Equal(t, ledger.StatusFailed, records[0].Status)
	assert.Equal(t, string(xerrors.CodeConfirmation), records[0].Code)
	assert.Equal(t, failure.TxHash.Hex(), records[0].TxHash)
	assert.Equal(t, success.RunID, records[1].ID)
	assert.Equal(t, ledger.StatusConfirmed, records[1].Status)
	assert.Equal(t, success.Address.Hex(), records[1].Address)
	assert.Equal(t, "1337", records[1].ChainID)

	events := announcer.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "confirmed", events[0].Status)
	assert.Equal(t, "failed", events[1].Status)

	expected := `
# HELP deployments_total Total number of contract deployments by contract and outcome
# TYPE deployments_total counter
deployments_total{contract="Reverting",outcome="confirmation_error"} 1
deployments_total{contract="VotingSystem",outcome="confirmed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "deployments_total"))
	count, err := testutil.GatherAndCount(m.Registry(), "deployment_gas_used")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSideEffectFailuresDoNotChangeResult(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, true, true)

	announcer := notify.NewMemory()
	announcer.FailWith(errors.New("broker down"))
	o := f.orchestrator(WithLedger(failingLedger{}), WithAnnouncer(announcer))

	result := o.Deploy(ctx, f.session, "VotingSystem")
	assert.True(t, result.Succeeded())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "factory_resolved", StateFactoryResolved.String())
	assert.Equal(t, "state(42)", State(42).String())
}

type closeTracker struct {
	web3.Session
	closed bool
}

func (c *closeTracker) Close() { c.closed = true }

type panickingSession struct {
	web3.Session
}

func (panickingSession) ContractFactory(string) (web3.Factory, error) {
	panic("boom")
}

type failingLedger struct{}

func (failingLedger) Save(context.Context, ledger.Record) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func (failingLedger) ListLatest(context.Context, int) ([]ledger.Record, error) { return nil, nil }

func (failingLedger) Close() error { return nil }
