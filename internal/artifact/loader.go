package artifact

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	xerrors "chain-deployer/internal/errors"

	"github.com/itchyny/gojq"
)

// Field queries understand both Hardhat artifacts (bytecode is a hex string)
// and Foundry artifacts (bytecode is an object with an "object" member).
const (
	nameQuery     = `.contractName // empty`
	sourceQuery   = `.sourceName // (.ast.absolutePath) // empty`
	abiQuery      = `.abi // empty`
	bytecodeQuery = `.bytecode | if type == "object" then .object else . end // empty`
)

type fieldQueries struct {
	name     *gojq.Code
	source   *gojq.Code
	abi      *gojq.Code
	bytecode *gojq.Code
}

func compileQueries() (*fieldQueries, error) {
	compile := func(src string) (*gojq.Code, error) {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse jq query %q: %w", src, err)
		}
		return gojq.Compile(query)
	}
	var (
		q   fieldQueries
		err error
	)
	if q.name, err = compile(nameQuery); err != nil {
		return nil, err
	}
	if q.source, err = compile(sourceQuery); err != nil {
		return nil, err
	}
	if q.abi, err = compile(abiQuery); err != nil {
		return nil, err
	}
	if q.bytecode, err = compile(bytecodeQuery); err != nil {
		return nil, err
	}
	return &q, nil
}

// first returns the first value produced by code, or nil when it yields
// nothing.
func first(code *gojq.Code, input any) (any, error) {
	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

// LoadDir walks an artifacts directory and returns a registry of every
// deployable contract found. Debug files, build-info and cache directories
// are ignored, as are artifacts without creation bytecode (interfaces and
// abstract contracts). A file that cannot be read or parsed does not fail
// the load; looking up the contract it describes does.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArtifactNotFound, err, fmt.Sprintf("artifacts directory %s is not readable", dir))
	}
	if !info.IsDir() {
		return nil, xerrors.New(xerrors.CodeArtifactNotFound, fmt.Sprintf("artifacts path %s is not a directory", dir))
	}

	queries, err := compileQueries()
	if err != nil {
		return nil, err
	}

	var found []*Artifact
	broken := make(map[string]error)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case "build-info", "cache":
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".json") || strings.HasSuffix(d.Name(), ".dbg.json") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			broken[contractName(path, nil)] = xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("read artifact %s", path))
			return nil
		}
		a, err := queries.parse(path, content)
		if err != nil {
			broken[contractName(path, content)] = err
			return nil
		}
		if a != nil {
			found = append(found, a)
		}
		return nil
	})
	if walkErr != nil {
		if _, ok := xerrors.From(walkErr); ok {
			return nil, walkErr
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, walkErr, fmt.Sprintf("scan artifacts in %s", dir))
	}
	registry, err := NewRegistry(found...)
	if err != nil {
		return nil, err
	}
	for name, cause := range broken {
		if _, ok := registry.byName[name]; !ok {
			registry.markBroken(name, cause)
		}
	}
	return registry, nil
}

// contractName 尽量从损坏的工件中取出合约名，取不到时退回文件名。
func contractName(path string, content []byte) string {
	var doc struct {
		ContractName string `json:"contractName"`
	}
	if len(content) > 0 && json.Unmarshal(content, &doc) == nil && strings.TrimSpace(doc.ContractName) != "" {
		return strings.TrimSpace(doc.ContractName)
	}
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

// Parse decodes a single artifact file. It returns (nil, nil) for files that
// describe nothing deployable.
func Parse(path string, content []byte) (*Artifact, error) {
	queries, err := compileQueries()
	if err != nil {
		return nil, err
	}
	return queries.parse(path, content)
}

func (q *fieldQueries) parse(path string, content []byte) (*Artifact, error) {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("artifact %s is not valid json", path))
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, nil
	}

	rawCode, err := first(q.bytecode, doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("read bytecode of %s", path))
	}
	code, _ := rawCode.(string)
	code = strings.TrimSpace(code)
	if code == "" || code == "0x" {
		return nil, nil
	}
	if strings.Contains(code, "__") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("artifact %s has unlinked library references", path))
	}

	rawABI, err := first(q.abi, doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("read abi of %s", path))
	}
	if rawABI == nil {
		return nil, nil
	}
	abiJSON, err := json.Marshal(rawABI)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("encode abi of %s", path))
	}

	name := strings.TrimSuffix(filepath.Base(path), ".json")
	if v, err := first(q.name, doc); err == nil {
		if s, ok := v.(string); ok && s != "" {
			name = s
		}
	}

	bytecode, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(code, "0x"), "0X"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("artifact %s has malformed bytecode", path))
	}

	a, err := New(name, string(abiJSON), bytecode)
	if err != nil {
		return nil, err
	}
	if v, err := first(q.source, doc); err == nil {
		if s, ok := v.(string); ok {
			a.SourceName = s
		}
	}
	a.Path = path
	return a, nil
}
