/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/crypto"
)

// RegistryABI describes the document registry contract the gateway writes to.
const RegistryABI = `[
{"type":"function","name":"registerDocument","stateMutability":"nonpayable",
 "inputs":[{"name":"fingerprint","type":"bytes32"},{"name":"locator","type":"string"},{"name":"metadataDigest","type":"bytes32"}],
 "outputs":[]},
{"type":"function","name":"getDocument","stateMutability":"view",
 "inputs":[{"name":"fingerprint","type":"bytes32"}],
 "outputs":[{"name":"exists","type":"bool"},{"name":"locator","type":"string"},{"name":"metadataDigest","type":"bytes32"},
            {"name":"anchoredAt","type":"uint64"},{"name":"blockNumber","type":"uint64"}]},
{"type":"event","name":"DocumentRegistered","anonymous":false,
 "inputs":[{"name":"fingerprint","type":"bytes32","indexed":true},{"name":"registrar","type":"address","indexed":true},
           {"name":"locator","type":"string","indexed":false},{"name":"metadataDigest","type":"bytes32","indexed":false}]}
]`

type EthereumConfig struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	SignerKey       string
	Confirmations   uint64
	PollInterval    time.Duration
}

// EthereumChain submits to the registry contract over JSON-RPC.
type EthereumChain struct {
	cfg      EthereumConfig
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	key      *ecdsa.PrivateKey
	signer   string
}

func NewEthereumChain(ctx context.Context, cfg EthereumConfig) (*EthereumChain, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, errors.Errorf("invalid registry contract address %q", cfg.ContractAddress)
	}

	key, err := crypto.ParsePrivateKey(cfg.SignerKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid ledger signer key")
	}

	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse registry abi")
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial ledger at %s", cfg.RPCURL)
	}

	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthereumChain{
		cfg:      cfg,
		client:   client,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		abi:      parsed,
		address:  address,
		key:      key,
		signer:   crypto.WalletOf(key),
	}, nil
}

func (r *EthereumChain) Signer() string {
	return r.signer
}

func (r *EthereumChain) Submit(ctx context.Context, req *AnchorRequest) (string, error) {
	fp, err := crypto.FingerprintBytes(req.Fingerprint)
	if err != nil {
		return "", NewChainError(Reverted, err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(r.key, big.NewInt(r.cfg.ChainID))
	if err != nil {
		return "", NewChainError(UserRejected, err)
	}
	auth.Context = ctx

	tx, err := r.contract.Transact(auth, "registerDocument", fp, req.Locator, req.MetadataDigest)
	if err != nil {
		return "", classify(err)
	}

	return tx.Hash().Hex(), nil
}

func (r *EthereumChain) WaitConfirmed(ctx context.Context, txID string) (*Receipt, error) {
	hash := common.HexToHash(txID)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, NewChainError(Reverted, errors.Errorf("transaction %s reverted", txID))
			}

			head, err := r.client.BlockNumber(ctx)
			if err != nil {
				return nil, classify(err)
			}

			block := receipt.BlockNumber.Uint64()
			if head >= block && head-block+1 >= r.cfg.Confirmations {
				return &Receipt{TxID: txID, BlockHeight: block, GasConsumed: receipt.GasUsed}, nil
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			return nil, classify(err)
		}

		select {
		case <-ctx.Done():
			return nil, NewChainError(Timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *EthereumChain) Lookup(ctx context.Context, fingerprint string) (*AnchorInfo, error) {
	fp, err := crypto.FingerprintBytes(fingerprint)
	if err != nil {
		return nil, NewChainError(Reverted, err)
	}

	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDocument", fp); err != nil {
		return nil, classify(err)
	}

	if len(out) != 5 {
		return nil, NewChainError(Reverted, errors.Errorf("getDocument returned %d values", len(out)))
	}

	exists, _ := out[0].(bool)
	if !exists {
		return &AnchorInfo{}, nil
	}

	anchoredAt, _ := out[3].(uint64)
	block, _ := out[4].(uint64)

	info := &AnchorInfo{
		Anchored:        true,
		BlockHeight:     block,
		AnchorTimestamp: time.Unix(int64(anchoredAt), 0).UTC(),
	}

	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(block),
		ToBlock:   new(big.Int).SetUint64(block),
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{{r.abi.Events["DocumentRegistered"].ID}, {common.BytesToHash(fp[:])}},
	})
	if err != nil {
		return nil, classify(err)
	}

	if len(logs) > 0 {
		info.TxID = logs[0].TxHash.Hex()
	}

	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, classify(err)
	}
	info.Confirmed = info.TxID != "" && head >= block && head-block+1 >= r.cfg.Confirmations

	return info, nil
}

func (r *EthereumChain) Head(ctx context.Context) (uint64, error) {
	h, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}

	return h, nil
}

func (r *EthereumChain) Close() {
	r.client.Close()
}

// classify maps node errors onto chain error codes.
func classify(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewChainError(Timeout, err)
	case strings.Contains(msg, "insufficient funds"):
		return NewChainError(InsufficientFunds, err)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"), strings.Contains(msg, "already known"):
		return NewChainError(NonceExpired, err)
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return NewChainError(Reverted, err)
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected"):
		return NewChainError(UserRejected, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return NewChainError(Reverted, err)
	}

	return NewChainError(NetworkError, err)
}

// MetadataDigest is the keccak256 of the canonical JSON encoding of v.
func MetadataDigest(v interface{}) ([32]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "unable to encode metadata")
	}

	return common.BytesToHash(ethcrypto.Keccak256(b)), nil
}

var _ Chain = (*EthereumChain)(nil)
