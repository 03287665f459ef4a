package order

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ErrValidation marks malformed or unauthenticated requests. They are
// surfaced to the caller and never persisted.
var ErrValidation = errors.New("validation error")

// MaxExpiryWindow bounds how far in the future an order may expire.
const MaxExpiryWindow = 30 * 24 * time.Hour

// Submission is the wire shape of an order submission. Amounts arrive as
// positive integer strings in base units; everything is validated before a
// canonical Order is produced.
type Submission struct {
	Maker       string `json:"maker"`
	SellToken   string `json:"sell_token"`
	BuyToken    string `json:"buy_token"`
	SellAmount  string `json:"sell_amount"`
	BuyAmount   string `json:"buy_amount"`
	SourceChain uint64 `json:"source_chain"`
	TargetChain uint64 `json:"target_chain"`
	Expiry      int64  `json:"expiry"` // unix seconds
	Nonce       uint64 `json:"nonce"`
	Signature   string `json:"signature"` // 0x-prefixed hex, 65 bytes
}

// Parse validates a submission and returns the canonical open Order.
// Signature authenticity and nonce reuse are checked by the caller; this
// covers shape and economic sanity only.
func (s Submission) Parse(now time.Time) (*Order, error) {
	maker, err := parseAddress(s.Maker, "maker")
	if err != nil {
		return nil, err
	}
	sellToken, err := parseAddress(s.SellToken, "sell_token")
	if err != nil {
		return nil, err
	}
	buyToken, err := parseAddress(s.BuyToken, "buy_token")
	if err != nil {
		return nil, err
	}

	sellAmount, err := parseAmount(s.SellAmount, "sell_amount")
	if err != nil {
		return nil, err
	}
	buyAmount, err := parseAmount(s.BuyAmount, "buy_amount")
	if err != nil {
		return nil, err
	}

	if s.SourceChain == 0 || s.TargetChain == 0 {
		return nil, fmt.Errorf("%w: chain identifiers must be non-zero", ErrValidation)
	}
	if s.SourceChain == s.TargetChain && sellToken == buyToken {
		return nil, fmt.Errorf("%w: sell and buy tokens must differ", ErrValidation)
	}

	expiry := time.Unix(s.Expiry, 0).UTC()
	if !expiry.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	if expiry.After(now.Add(MaxExpiryWindow)) {
		return nil, fmt.Errorf("%w: expiry more than 30 days out", ErrValidation)
	}

	sig, err := parseSignature(s.Signature)
	if err != nil {
		return nil, err
	}

	return &Order{
		ID:           uuid.New().String(),
		Maker:        maker,
		Nonce:        s.Nonce,
		SellToken:    sellToken,
		BuyToken:     buyToken,
		SellAmount:   sellAmount,
		BuyAmount:    buyAmount,
		SourceChain:  s.SourceChain,
		TargetChain:  s.TargetChain,
		Status:       StatusOpen,
		FilledAmount: new(big.Int),
		Expiry:       expiry,
		Signature:    sig,
		CreatedAt:    now.UTC(),
	}, nil
}

// CancelRequest is the wire shape of an authenticated cancel.
type CancelRequest struct {
	OrderID   string `json:"order_id"`
	Maker     string `json:"maker"`
	Signature string `json:"signature"` // over the cancel intent, not the order
}

// Parse validates shape; ownership and signature are checked by the caller.
func (c CancelRequest) Parse() (orderID string, maker common.Address, sig []byte, err error) {
	if c.OrderID == "" {
		return "", common.Address{}, nil, fmt.Errorf("%w: order_id required", ErrValidation)
	}
	maker, err = parseAddress(c.Maker, "maker")
	if err != nil {
		return "", common.Address{}, nil, err
	}
	sig, err = parseSignature(c.Signature)
	if err != nil {
		return "", common.Address{}, nil, err
	}
	return c.OrderID, maker, sig, nil
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not a valid address", ErrValidation, field)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s, field string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an integer string", ErrValidation, field)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrValidation, field)
	}
	return n, nil
}

func parseSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: signature required", ErrValidation)
	}
	sig, err := hexDecode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not valid hex", ErrValidation)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes", ErrValidation)
	}
	return sig, nil
}

func hexDecode(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
