package context

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/blob"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/ledger"
)

func (r *Provider) BlobGateway(ctx context.Context) (*blob.Gateway, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.blobs != nil {
		return r.blobs, nil
	}

	providers, err := blob.ParseProviders(ctx, r.conf.BlobProviders)
	if err != nil {
		return nil, err
	}

	g, err := blob.NewGateway(blob.DefaultConfig(), providers...)
	if err != nil {
		return nil, err
	}

	r.blobs = g
	return g, nil
}

// LedgerGateway dials the registry contract at LEDGER_RPC_URL, or runs an in-process chain
// when no RPC endpoint is configured.
func (r *Provider) LedgerGateway(ctx context.Context) (*ledger.Gateway, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.ledger != nil {
		return r.ledger, nil
	}

	lc := r.conf.Ledger
	var chain ledger.Chain
	if lc.Simulated() {
		signer := "0x" + "0000000000000000000000000000000000000000"
		if lc.SignerSecret != "" {
			key, err := crypto.ParsePrivateKey(lc.SignerSecret)
			if err != nil {
				return nil, errors.Wrap(err, "invalid ledger signer key")
			}
			signer = crypto.WalletOf(key)
		}

		log.Warn("no LEDGER_RPC_URL configured, anchoring to an in-process chain")
		r.chain = ledger.NewMemoryChain(signer, lc.Confirmations)
		chain = r.chain
	} else {
		eth, err := ledger.NewEthereumChain(ctx, ledger.EthereumConfig{
			RPCURL:          lc.RPCURL,
			ChainID:         lc.ChainID,
			ContractAddress: lc.ContractAddress,
			SignerKey:       lc.SignerSecret,
			Confirmations:   lc.Confirmations,
		})
		if err != nil {
			return nil, err
		}
		chain = eth
	}

	g, err := ledger.NewGateway(ledger.DefaultConfig(), chain)
	if err != nil {
		return nil, err
	}

	r.ledger = g
	return g, nil
}

// MemoryChain is the in-process chain behind LedgerGateway, or nil when a real node is used.
func (r *Provider) MemoryChain() *ledger.MemoryChain {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.chain
}
