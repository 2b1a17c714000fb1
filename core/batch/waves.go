package batch

import (
	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/ledger"
)

// BuildWaves partitions a set of transactions into execution waves. A
// transaction depends on any parent present in the set, and on every
// lower-nonce transaction from the same sender, a write-conflict heuristic
// for senders that reuse accounts within a batch. Wave 0 holds transactions
// with no unresolved dependency; each later wave holds those whose
// dependencies all landed in earlier waves.
//
// Transactions whose dependencies can never resolve, a cycle among parents,
// are forced into one explicit final wave. That final wave may execute
// members in the wrong order relative to each other; they are grouped rather
// than dropped so the batch still drains.
func BuildWaves(txs []*ledger.Transaction, logger *zap.Logger) [][]*ledger.Transaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(txs) == 0 {
		return nil
	}

	inBatch := make(map[string]*ledger.Transaction, len(txs))
	for _, tx := range txs {
		inBatch[tx.ID] = tx
	}

	deps := make(map[string]map[string]struct{}, len(txs))
	for _, tx := range txs {
		deps[tx.ID] = make(map[string]struct{})
		for _, parent := range tx.ParentIDs {
			if _, ok := inBatch[parent]; ok && parent != tx.ID {
				deps[tx.ID][parent] = struct{}{}
			}
		}
	}
	for _, a := range txs {
		if a.From == "" {
			continue
		}
		for _, b := range txs {
			if a.ID == b.ID || a.From != b.From {
				continue
			}
			if a.Nonce > b.Nonce {
				deps[a.ID][b.ID] = struct{}{}
			}
		}
	}

	var waves [][]*ledger.Transaction
	resolved := make(map[string]struct{}, len(txs))
	remaining := make([]*ledger.Transaction, len(txs))
	copy(remaining, txs)

	for len(remaining) > 0 {
		var wave, next []*ledger.Transaction
		for _, tx := range remaining {
			ready := true
			for dep := range deps[tx.ID] {
				if _, ok := resolved[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, tx)
			} else {
				next = append(next, tx)
			}
		}

		if len(wave) == 0 {
			// Cyclic leftovers. Force them into one final wave so the batch
			// drains; intra-wave ordering among them is not guaranteed.
			ids := make([]string, len(next))
			for i, tx := range next {
				ids[i] = tx.ID
			}
			logger.Warn("unresolvable transaction dependencies forced into final wave",
				zap.Strings("transaction_ids", ids))
			waves = append(waves, next)
			break
		}

		for _, tx := range wave {
			resolved[tx.ID] = struct{}{}
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves
}
