package artifact

import (
	"fmt"
	"sort"
	"strings"

	xerrors "chain-deployer/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Artifact is a compiled contract: creation bytecode plus its ABI.
type Artifact struct {
	Name       string
	SourceName string
	RawABI     string
	ABI        abi.ABI
	Bytecode   []byte
	Path       string
}

// QualifiedName returns "source:Name" when the source is known.
func (a *Artifact) QualifiedName() string {
	if a.SourceName == "" {
		return a.Name
	}
	return a.SourceName + ":" + a.Name
}

// New validates the ABI and bytecode of a single artifact.
func New(name, rawABI string, bytecode []byte) (*Artifact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "artifact name is empty")
	}
	if len(bytecode) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("artifact %s has no creation bytecode", name))
	}
	if strings.TrimSpace(rawABI) == "" {
		rawABI = "[]"
	}
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("artifact %s has an invalid abi", name))
	}
	return &Artifact{Name: name, RawABI: rawABI, ABI: parsed, Bytecode: bytecode}, nil
}

// Source resolves contract names to artifacts.
type Source interface {
	Lookup(name string) (*Artifact, error)
}

// Registry is an explicit name to artifact mapping. Artifacts are indexed by
// their fully qualified name and, when unambiguous, by their short name.
type Registry struct {
	byQualified map[string]*Artifact
	byName      map[string][]*Artifact
	broken      map[string]error
}

// NewRegistry builds a registry from already validated artifacts.
func NewRegistry(artifacts ...*Artifact) (*Registry, error) {
	r := &Registry{
		byQualified: make(map[string]*Artifact, len(artifacts)),
		byName:      make(map[string][]*Artifact, len(artifacts)),
	}
	for _, a := range artifacts {
		if a == nil {
			continue
		}
		qualified := a.QualifiedName()
		if _, exists := r.byQualified[qualified]; exists {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("duplicate artifact %s", qualified))
		}
		r.byQualified[qualified] = a
		r.byName[a.Name] = append(r.byName[a.Name], a)
	}
	return r, nil
}

// Lookup resolves a short or fully qualified contract name.
func (r *Registry) Lookup(name string) (*Artifact, error) {
	name = strings.TrimSpace(name)
	if r != nil {
		if a, ok := r.byQualified[name]; ok {
			return a, nil
		}
		switch candidates := r.byName[name]; len(candidates) {
		case 0:
		case 1:
			return candidates[0], nil
		default:
			names := make([]string, 0, len(candidates))
			for _, c := range candidates {
				names = append(names, c.QualifiedName())
			}
			sort.Strings(names)
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("contract name %s is ambiguous, use one of %s", name, strings.Join(names, ", ")))
		}
	}
	if cause := r.brokenCause(name); cause != nil {
		return nil, xerrors.Wrap(xerrors.CodeArtifactNotFound, cause, fmt.Sprintf("no usable compiled artifact for %q", name),
			xerrors.WithMetadata("contract", name))
	}
	return nil, xerrors.New(xerrors.CodeArtifactNotFound, fmt.Sprintf("no compiled artifact for %q", name),
		xerrors.WithMetadata("contract", name))
}

// markBroken 记录无法解析的工件，只有按该名称查找时才会报告。
func (r *Registry) markBroken(name string, err error) {
	if r.broken == nil {
		r.broken = make(map[string]error)
	}
	r.broken[name] = err
}

func (r *Registry) brokenCause(name string) error {
	if r == nil || len(r.broken) == 0 {
		return nil
	}
	if err, ok := r.broken[name]; ok {
		return err
	}
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return r.broken[name[i+1:]]
	}
	return nil
}

// Broken lists the contract names whose artifacts could not be parsed.
func (r *Registry) Broken() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.broken))
	for name := range r.broken {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names lists the fully qualified names in the registry.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byQualified))
	for name := range r.byQualified {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type unavailable struct{ err error }

// Unavailable returns a Source whose lookups all fail with ARTIFACT_NOT_FOUND
// caused by err, typically an artifacts directory that could not be loaded.
func Unavailable(err error) Source {
	return unavailable{err: err}
}

func (u unavailable) Lookup(name string) (*Artifact, error) {
	return nil, xerrors.Wrap(xerrors.CodeArtifactNotFound, u.err, fmt.Sprintf("no compiled artifact for %q", strings.TrimSpace(name)),
		xerrors.WithMetadata("contract", name))
}
