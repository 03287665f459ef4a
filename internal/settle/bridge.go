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

// bridgeABI is the endpoint contract of the message-carrying bridge. The
// bridge protocol itself is opaque; the engine only submits payloads and
// polls delivery state.
const bridgeABI = `[
	{
		"type": "function",
		"name": "sendMessage",
		"stateMutability": "payable",
		"inputs": [
			{"name": "targetChain", "type": "uint256"},
			{"name": "payload", "type": "bytes"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "messageStatus",
		"stateMutability": "view",
		"inputs": [{"name": "messageId", "type": "bytes32"}],
		"outputs": [{"name": "", "type": "uint8"}]
	}
]`

var (
	bridgeABIOnce sync.Once
	bridgeABIVal  abi.ABI
	bridgeABIErr  error
)

func parsedBridgeABI() (abi.ABI, error) {
	bridgeABIOnce.Do(func() {
		bridgeABIVal, bridgeABIErr = abi.JSON(strings.NewReader(bridgeABI))
	})
	return bridgeABIVal, bridgeABIErr
}

// Delivery states reported by the bridge endpoint.
const (
	bridgeStatePending   uint8 = 0
	bridgeStateDelivered uint8 = 1
	bridgeStateFailed    uint8 = 2
)

// EthBridgeAdapter relays settlement payloads through a bridge endpoint
// contract deployed on the source chain. The message handle is the
// submission transaction hash; the endpoint keys delivery state by it.
type EthBridgeAdapter struct {
	protocol string
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
}

// NewEthBridgeAdapter binds the bridge endpoint on the source chain.
// protocol is a label for operator-facing records ("layerzero", "axelar").
func NewEthBridgeAdapter(protocol, rpcURL string, endpoint common.Address, key *ecdsa.PrivateKey, sourceChainID uint64) (*EthBridgeAdapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	parsed, err := parsedBridgeABI()
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(sourceChainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor for chain %d: %w", sourceChainID, err)
	}
	return &EthBridgeAdapter{
		protocol: protocol,
		client:   client,
		contract: bind.NewBoundContract(endpoint, parsed, client, client, client),
		opts:     opts,
	}, nil
}

func (a *EthBridgeAdapter) Protocol() string { return a.protocol }

// Send submits the payload for relaying and returns the message handle.
// This is a pending handle, not a settlement receipt.
func (a *EthBridgeAdapter) Send(ctx context.Context, targetChain uint64, payload []byte) (string, error) {
	opts := *a.opts
	opts.Context = ctx

	tx, err := a.contract.Transact(&opts, "sendMessage", new(big.Int).SetUint64(targetChain), payload)
	if err != nil {
		return "", fmt.Errorf("submit bridge message: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		return "", fmt.Errorf("wait for bridge tx %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("bridge tx %s reverted", tx.Hash())
	}
	return tx.Hash().Hex(), nil
}

// Status reads the endpoint's delivery state for a message handle.
func (a *EthBridgeAdapter) Status(ctx context.Context, messageID string) (order.MessageStatus, error) {
	var out []interface{}
	err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "messageStatus", common.HexToHash(messageID))
	if err != nil {
		return "", fmt.Errorf("query message status: %w", err)
	}
	if len(out) != 1 {
		return "", fmt.Errorf("unexpected messageStatus output arity %d", len(out))
	}
	state, ok := out[0].(uint8)
	if !ok {
		return "", fmt.Errorf("unexpected messageStatus output type %T", out[0])
	}
	switch state {
	case bridgeStateDelivered:
		return order.MessageDelivered, nil
	case bridgeStateFailed:
		return order.MessageFailed, nil
	default:
		return order.MessagePending, nil
	}
}
