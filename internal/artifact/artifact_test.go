package artifact

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "chain-deployer/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const votingABI = `[{"inputs":[],"stateMutability":"nonpayable","type":"constructor"},{"inputs":[{"internalType":"uint256","name":"pollId","type":"uint256"}],"name":"getPollResults","outputs":[{"internalType":"uint256[]","name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDirHardhatAndFoundryLayouts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contracts/VotingSystem.sol/VotingSystem.json"), `{
  "_format": "hh-sol-artifact-1",
  "contractName": "VotingSystem",
  "sourceName": "contracts/VotingSystem.sol",
  "abi": `+votingABI+`,
  "bytecode": "0x6080604052",
  "deployedBytecode": "0x6080"
}`)
	writeFile(t, filepath.Join(dir, "contracts/VotingSystem.sol/VotingSystem.dbg.json"), `{"_format":"hh-sol-dbg-1","buildInfo":"../../build-info/x.json"}`)
	writeFile(t, filepath.Join(dir, "contracts/IVoting.sol/IVoting.json"), `{"contractName":"IVoting","sourceName":"contracts/IVoting.sol","abi":[],"bytecode":"0x"}`)
	writeFile(t, filepath.Join(dir, "build-info/x.json"), `not json at all`)
	writeFile(t, filepath.Join(dir, "Counter.sol/Counter.json"), `{
  "abi": [],
  "bytecode": {"object": "0x60806040", "linkReferences": {}},
  "ast": {"absolutePath": "src/Counter.sol"}
}`)

	registry, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"contracts/VotingSystem.sol:VotingSystem", "src/Counter.sol:Counter"}, registry.Names())

	voting, err := registry.Lookup("VotingSystem")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, voting.Bytecode)
	assert.Contains(t, voting.ABI.Methods, "getPollResults")

	counter, err := registry.Lookup("src/Counter.sol:Counter")
	require.NoError(t, err)
	assert.Equal(t, "Counter", counter.Name)

	_, err = registry.Lookup("IVoting")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeArtifactNotFound, xerrors.CodeOf(err))
}

func TestLoadDirMissingDirectory(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeArtifactNotFound, xerrors.CodeOf(err))
}

func TestParseRejectsUnlinkedAndMalformedBytecode(t *testing.T) {
	_, err := Parse("Lib.json", []byte(`{"contractName":"UsesLib","abi":[],"bytecode":"0x6080__$abc$__6040"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlinked library")

	_, err = Parse("Bad.json", []byte(`{"contractName":"Bad","abi":[],"bytecode":"0xzz"}`))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	a, err := Parse("Array.json", []byte(`[1,2,3]`))
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestRegistryAmbiguousShortName(t *testing.T) {
	first, err := New("Token", "[]", []byte{0x01})
	require.NoError(t, err)
	first.SourceName = "contracts/a/Token.sol"
	second, err := New("Token", "[]", []byte{0x02})
	require.NoError(t, err)
	second.SourceName = "contracts/b/Token.sol"

	registry, err := NewRegistry(first, second)
	require.NoError(t, err)

	_, err = registry.Lookup("Token")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "contracts/a/Token.sol:Token")

	resolved, err := registry.Lookup("contracts/b/Token.sol:Token")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, resolved.Bytecode)

	_, err = NewRegistry(first, first)
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New("", "[]", []byte{0x01})
	require.Error(t, err)

	_, err = New("Empty", "[]", nil)
	require.Error(t, err)

	_, err = New("BadABI", "{not-abi", []byte{0x01})
	require.Error(t, err)

	a, err := New("NoABI", "", []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, "[]", a.RawABI)
	assert.Equal(t, "NoABI", a.QualifiedName())
}

func TestUnavailableSource(t *testing.T) {
	_, loadErr := LoadDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, loadErr)

	_, err := Unavailable(loadErr).Lookup("VotingSystem")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeArtifactNotFound, xerrors.CodeOf(err))
	assert.ErrorIs(t, err, loadErr)
}

func TestLoadDirKeepsValidArtifactsNextToBrokenOnes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contracts/VotingSystem.sol/VotingSystem.json"),
		`{"contractName":"VotingSystem","sourceName":"contracts/VotingSystem.sol","abi":`+votingABI+`,"bytecode":"0x6080604052"}`)
	writeFile(t, filepath.Join(dir, "contracts/UsesLib.sol/UsesLib.json"),
		`{"contractName":"UsesLib","sourceName":"contracts/UsesLib.sol","abi":[],"bytecode":"0x6080__$0123456789abcdef0123456789abcdef01$__6040"}`)
	writeFile(t, filepath.Join(dir, "contracts/Truncated.sol/Truncated.json"), `{"contractName":"Trunc`)

	registry, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"contracts/VotingSystem.sol:VotingSystem"}, registry.Names())
	assert.Equal(t, []string{"Truncated", "UsesLib"}, registry.Broken())

	voting, err := registry.Lookup("VotingSystem")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, voting.Bytecode)

	_, err = registry.Lookup("UsesLib")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeArtifactNotFound, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "unlinked library")

	_, err = registry.Lookup("contracts/UsesLib.sol:UsesLib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlinked library")

	_, err = registry.Lookup("Truncated")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeArtifactNotFound, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "not valid json")

	_, err = registry.Lookup("Ballot")
	require.Error(t, err)
	assert.Equal(t, `artifact not found: no compiled artifact for "Ballot"`, xerrors.ReasonOf(err))
}
