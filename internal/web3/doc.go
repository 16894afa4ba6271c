// Package web3 defines the network session abstraction used by the
// deployment orchestrator: signer, contract factory, deployment transaction
// and confirmation types. Concrete EVM sessions live in package ethereum.
package web3
