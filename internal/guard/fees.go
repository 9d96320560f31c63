package guard

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Replacement transactions must outbid the original by at least 10% on
// every fee field or the node rejects them as underpriced. 12.5% leaves
// headroom for rounding.
var (
	bumpNumerator   = big.NewInt(1125)
	bumpDenominator = big.NewInt(1000)
)

func bump(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, bumpNumerator)
	out.Quo(out, bumpDenominator)
	if out.Cmp(v) <= 0 {
		out.Add(v, big.NewInt(1))
	}
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	if b != nil && b.Cmp(a) > 0 {
		return new(big.Int).Set(b)
	}
	return a
}

// BumpFees returns an unsigned copy of tx with the same nonce and fees
// raised enough to replace it in the mempool. The suggested gas price
// becomes the floor when it is above the bumped value.
func BumpFees(tx *types.Transaction, suggested *big.Int) *types.Transaction {
	switch tx.Type() {
	case types.DynamicFeeTxType:
		tip := bump(tx.GasTipCap())
		feeCap := maxBig(bump(tx.GasFeeCap()), suggested)
		if feeCap.Cmp(tip) < 0 {
			feeCap = new(big.Int).Set(tip)
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:    tx.ChainId(),
			Nonce:      tx.Nonce(),
			GasTipCap:  tip,
			GasFeeCap:  feeCap,
			Gas:        tx.Gas(),
			To:         tx.To(),
			Value:      tx.Value(),
			Data:       tx.Data(),
			AccessList: tx.AccessList(),
		})
	default:
		return types.NewTx(&types.LegacyTx{
			Nonce:    tx.Nonce(),
			GasPrice: maxBig(bump(tx.GasPrice()), suggested),
			Gas:      tx.Gas(),
			To:       tx.To(),
			Value:    tx.Value(),
			Data:     tx.Data(),
		})
	}
}
