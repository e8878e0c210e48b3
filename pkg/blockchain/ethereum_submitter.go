// Copyright 2026 The Ceramic Anchor Service Authors
//
// EthereumSubmitter publishes anchor roots to an Ethereum-compatible chain
// via an anchor contract's `anchor(bytes32 rootCid)` method, reusing the
// teacher's pkg/ethereum client and SendContractTransactionWithRetry /
// gas-price-floor pattern.

package blockchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ceramicnetwork/cas/pkg/ethereum"
)

// anchorContractABI is the minimal interface of the anchor contract this
// submitter targets: a single method accepting the batch's Merkle root.
const anchorContractABI = `[{
	"inputs": [{"internalType":"bytes32","name":"rootCid","type":"bytes32"}],
	"name": "anchor",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// EthereumSubmitter implements Submitter against a deployed anchor contract.
type EthereumSubmitter struct {
	client          *ethereum.Client
	contractAddress common.Address
	privateKeyHex   string
	gasLimit        uint64
}

// NewEthereumSubmitter constructs a submitter over an already-dialed
// ethereum.Client.
func NewEthereumSubmitter(client *ethereum.Client, contractAddress, privateKeyHex string, gasLimit uint64) (*EthereumSubmitter, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("blockchain: invalid anchor contract address %q", contractAddress)
	}
	return &EthereumSubmitter{
		client:          client,
		contractAddress: common.HexToAddress(contractAddress),
		privateKeyHex:   privateKeyHex,
		gasLimit:        gasLimit,
	}, nil
}

// SendTransaction implements Submitter. rootCID is packed as a bytes32 by
// hashing it through keccak256, since Merkle roots here are IPLD CIDs
// (arbitrary-length) rather than native 32-byte hashes.
func (s *EthereumSubmitter) SendTransaction(ctx context.Context, rootCID string) (*Receipt, error) {
	result, err := s.client.SendContractTransactionWithRetry(
		ctx, s.contractAddress, anchorContractABI, s.privateKeyHex, "anchor", s.gasLimit, 3,
		rootCIDToBytes32(rootCID),
	)
	if err != nil {
		if isTransientEthereumError(err) {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: transaction %s reverted", ErrFatal, result.TransactionHash)
	}

	return &Receipt{
		TxHash:         result.TransactionHash,
		ChainID:        s.client.GetChainID().Int64(),
		BlockNumber:    result.BlockNumber,
		BlockTimestamp: result.Timestamp,
	}, nil
}

func rootCIDToBytes32(rootCID string) [32]byte {
	return crypto.Keccak256Hash([]byte(rootCID))
}

// isTransientEthereumError classifies errors worth retrying: network
// dial/timeout issues and nonce/gas-price races, as opposed to a parsed
// ABI error or a permanently reverted transaction.
func isTransientEthereumError(err error) bool {
	msg := strings.ToLower(err.Error())
	transientSubstrings := []string{
		"timeout", "connection refused", "eof", "nonce too low",
		"replacement transaction underpriced", "temporarily unavailable",
	}
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
