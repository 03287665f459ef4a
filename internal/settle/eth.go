package settle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"swapd/internal/order"
)

// settlementABI is the interface of the on-chain settlement contract. The
// contract itself is a black-box verifier/executor; only this surface
// matters here.
const settlementABI = `[
	{
		"type": "function",
		"name": "settle",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "buyOrder", "type": "tuple", "components": [
				{"name": "maker", "type": "address"},
				{"name": "sellToken", "type": "address"},
				{"name": "buyToken", "type": "address"},
				{"name": "sellAmount", "type": "uint256"},
				{"name": "buyAmount", "type": "uint256"},
				{"name": "sourceChain", "type": "uint256"},
				{"name": "targetChain", "type": "uint256"},
				{"name": "nonce", "type": "uint256"},
				{"name": "expiry", "type": "uint256"}
			]},
			{"name": "sellOrder", "type": "tuple", "components": [
				{"name": "maker", "type": "address"},
				{"name": "sellToken", "type": "address"},
				{"name": "buyToken", "type": "address"},
				{"name": "sellAmount", "type": "uint256"},
				{"name": "buyAmount", "type": "uint256"},
				{"name": "sourceChain", "type": "uint256"},
				{"name": "targetChain", "type": "uint256"},
				{"name": "nonce", "type": "uint256"},
				{"name": "expiry", "type": "uint256"}
			]},
			{"name": "matchedAmount", "type": "uint256"},
			{"name": "buyerSig", "type": "bytes"},
			{"name": "sellerSig", "type": "bytes"}
		],
		"outputs": []
	}
]`

var (
	settleABIOnce sync.Once
	settleABIVal  abi.ABI
	settleABIErr  error
)

func parsedSettlementABI() (abi.ABI, error) {
	settleABIOnce.Do(func() {
		settleABIVal, settleABIErr = abi.JSON(strings.NewReader(settlementABI))
	})
	return settleABIVal, settleABIErr
}

// abiOrder mirrors the contract's order tuple; field order must match the
// ABI components.
type abiOrder struct {
	Maker       common.Address
	SellToken   common.Address
	BuyToken    common.Address
	SellAmount  *big.Int
	BuyAmount   *big.Int
	SourceChain *big.Int
	TargetChain *big.Int
	Nonce       *big.Int
	Expiry      *big.Int
}

func toABIOrder(o *order.Order) abiOrder {
	return abiOrder{
		Maker:       o.Maker,
		SellToken:   o.SellToken,
		BuyToken:    o.BuyToken,
		SellAmount:  o.SellAmount,
		BuyAmount:   o.BuyAmount,
		SourceChain: new(big.Int).SetUint64(o.SourceChain),
		TargetChain: new(big.Int).SetUint64(o.TargetChain),
		Nonce:       new(big.Int).SetUint64(o.Nonce),
		Expiry:      big.NewInt(o.Expiry.Unix()),
	}
}

// EncodeSettlement ABI-encodes the settle call arguments. Cross-chain
// adapters carry exactly this payload so the remote settlement contract
// verifies the same signatures the local one would.
func EncodeSettlement(m *order.Match, buy, sell *order.Order) ([]byte, error) {
	parsed, err := parsedSettlementABI()
	if err != nil {
		return nil, err
	}
	method, ok := parsed.Methods["settle"]
	if !ok {
		return nil, fmt.Errorf("settlement ABI has no settle method")
	}
	return method.Inputs.Pack(
		toABIOrder(buy), toABIOrder(sell), m.MatchedAmount, buy.Signature, sell.Signature)
}

// EthExecutor settles matches on a single EVM chain by calling the
// settlement contract directly.
type EthExecutor struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	chainID  uint64
}

// NewEthExecutor dials the chain's RPC endpoint and binds the settlement
// contract. The key funds and signs the engine's settlement transactions.
func NewEthExecutor(rpcURL string, contractAddr common.Address, key *ecdsa.PrivateKey, chainID uint64) (*EthExecutor, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	parsed, err := parsedSettlementABI()
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor for chain %d: %w", chainID, err)
	}
	return &EthExecutor{
		client:   client,
		contract: bind.NewBoundContract(contractAddr, parsed, client, client, client),
		opts:     opts,
		chainID:  chainID,
	}, nil
}

// Settle submits the settle call and waits for inclusion. A reverted
// receipt, an RPC error and a ctx timeout all surface as errors.
func (e *EthExecutor) Settle(ctx context.Context, m *order.Match, buy, sell *order.Order) (*Receipt, error) {
	opts := *e.opts
	opts.Context = ctx

	tx, err := e.contract.Transact(&opts, "settle",
		toABIOrder(buy), toABIOrder(sell), m.MatchedAmount, buy.Signature, sell.Signature)
	if err != nil {
		return nil, fmt.Errorf("submit settle on chain %d: %w", e.chainID, err)
	}

	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for settle tx %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("settle tx %s reverted", tx.Hash())
	}
	return &Receipt{TxHash: tx.Hash().Hex(), GasUsed: receipt.GasUsed}, nil
}
