// Package settle drives matches through verification, on-chain execution
// and atomic fill application, routing each settlement leg to the right
// chain executor or cross-chain bridge adapter.
package settle

import (
	"context"
	"fmt"

	"swapd/internal/order"
)

// Receipt is the outcome of a submitted settlement call.
type Receipt struct {
	TxHash  string
	GasUsed uint64
}

// Executor settles a match on a single chain. Implementations must treat
// reverts and RPC failures uniformly as errors and honor ctx deadlines.
type Executor interface {
	Settle(ctx context.Context, m *order.Match, buy, sell *order.Order) (*Receipt, error)
}

// BridgeAdapter relays a settlement instruction to another chain. Send
// returns a message handle, not a final receipt; delivery is reported
// asynchronously via Status.
type BridgeAdapter interface {
	Protocol() string
	Send(ctx context.Context, targetChain uint64, payload []byte) (messageID string, err error)
	Status(ctx context.Context, messageID string) (order.MessageStatus, error)
}

// Router maps a match's execution chain to the local executor for that
// chain, and a settlement leg's target chain to a bridge adapter.
type Router struct {
	local   map[uint64]Executor
	bridges map[uint64]BridgeAdapter
}

func NewRouter() *Router {
	return &Router{
		local:   make(map[uint64]Executor),
		bridges: make(map[uint64]BridgeAdapter),
	}
}

// RegisterLocal installs the same-chain executor for a chain.
func (r *Router) RegisterLocal(chainID uint64, e Executor) {
	r.local[chainID] = e
}

// RegisterBridge installs the cross-chain adapter used to reach targetChain.
func (r *Router) RegisterBridge(targetChain uint64, a BridgeAdapter) {
	r.bridges[targetChain] = a
}

// Local returns the executor for a chain.
func (r *Router) Local(chainID uint64) (Executor, error) {
	e, ok := r.local[chainID]
	if !ok {
		return nil, fmt.Errorf("no executor for chain %d", chainID)
	}
	return e, nil
}

// Bridge returns the adapter that reaches targetChain.
func (r *Router) Bridge(targetChain uint64) (BridgeAdapter, error) {
	a, ok := r.bridges[targetChain]
	if !ok {
		return nil, fmt.Errorf("no bridge adapter for chain %d", targetChain)
	}
	return a, nil
}

// BridgeProtocol returns the protocol label for the adapter reaching
// targetChain, or "" when none is configured.
func (r *Router) BridgeProtocol(targetChain uint64) string {
	if a, ok := r.bridges[targetChain]; ok {
		return a.Protocol()
	}
	return ""
}
