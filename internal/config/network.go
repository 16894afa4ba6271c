package config

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "chain-deployer/internal/errors"
)

// NetworkProfile mirrors one entry of the `networks` section: where the RPC
// endpoint and signing key come from for a named network.
type NetworkProfile struct {
	RPCURL        string `yaml:"rpc_url"`
	RPCURLEnv     string `yaml:"rpc_url_env"`
	PrivateKeyEnv string `yaml:"private_key_env"`
	ChainID       int64  `yaml:"chain_id"`
	Description   string `yaml:"description"`
}

// NetworkConfig is the resolved, immutable input of a network session.
// A nil SigningKey means the session is read-only.
type NetworkConfig struct {
	Name        string
	EndpointURL string
	SigningKey  *string
	ChainID     *big.Int
}

// HasSigner reports whether a signing key was configured.
func (n NetworkConfig) HasSigner() bool {
	return n.SigningKey != nil
}

// String never includes the signing key.
func (n NetworkConfig) String() string {
	signer := "read-only"
	if n.HasSigner() {
		signer = "signer configured"
	}
	return fmt.Sprintf("%s (%s, %s)", n.Name, n.EndpointURL, signer)
}

// DefaultNetworks returns the built-in profiles.
func DefaultNetworks() map[string]NetworkProfile {
	return map[string]NetworkProfile{
		"sepolia": {
			RPCURLEnv:     "SEPOLIA_RPC_URL",
			PrivateKeyEnv: "PRIVATE_KEY",
			Description:   "Ethereum Sepolia testnet",
		},
		"localhost": {
			RPCURL:        "http://127.0.0.1:8545",
			RPCURLEnv:     "LOCALHOST_RPC_URL",
			PrivateKeyEnv: "PRIVATE_KEY",
			ChainID:       31337,
			Description:   "local development node",
		},
	}
}

// ResolveNetwork builds the NetworkConfig of the named profile. The endpoint
// falls back to the profile's literal URL and then to an empty string; an
// unset or blank key variable yields a read-only configuration.
func (c *Config) ResolveNetwork(name string, lookup LookupFunc) (NetworkConfig, error) {
	if name == "" {
		name = c.Network
	}
	profile, ok := c.Networks[name]
	if !ok {
		return NetworkConfig{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unknown network %q", name))
	}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	resolved := NetworkConfig{Name: name, EndpointURL: strings.TrimSpace(profile.RPCURL)}
	if profile.RPCURLEnv != "" {
		if value, ok := lookup(profile.RPCURLEnv); ok && strings.TrimSpace(value) != "" {
			resolved.EndpointURL = strings.TrimSpace(value)
		}
	}
	if profile.PrivateKeyEnv != "" {
		if value, ok := lookup(profile.PrivateKeyEnv); ok && strings.TrimSpace(value) != "" {
			key := strings.TrimSpace(value)
			resolved.SigningKey = &key
		}
	}
	if profile.ChainID > 0 {
		resolved.ChainID = big.NewInt(profile.ChainID)
	}
	return resolved, nil
}
