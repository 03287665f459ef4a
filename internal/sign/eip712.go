// Package sign reconstructs the EIP-712 typed digests makers sign over
// orders and cancel intents, and recovers the signing address. It is pure:
// malformed input yields false, never a panic across the API boundary.
package sign

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"swapd/internal/order"
)

const (
	// DomainName and DomainVersion bind signatures to this protocol.
	DomainName    = "swapd"
	DomainVersion = "1"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "maker", Type: "address"},
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "sourceChain", Type: "uint256"},
		{Name: "targetChain", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
	},
}

var cancelTypes = apitypes.Types{
	"EIP712Domain": orderTypes["EIP712Domain"],
	"Cancel": {
		{Name: "orderId", Type: "string"},
		{Name: "maker", Type: "address"},
	},
}

// Verifier recovers signer addresses from typed-data signatures. The domain
// separator is bound to the order's source chain and that chain's
// settlement contract, so a signature is never valid on another deployment.
type Verifier struct {
	contracts map[uint64]common.Address
}

// NewVerifier takes the settlement contract address per chain id.
func NewVerifier(contracts map[uint64]common.Address) *Verifier {
	c := make(map[uint64]common.Address, len(contracts))
	for id, addr := range contracts {
		c[id] = addr
	}
	return &Verifier{contracts: c}
}

func (v *Verifier) domain(chainID uint64) (apitypes.TypedDataDomain, error) {
	contract, ok := v.contracts[chainID]
	if !ok {
		return apitypes.TypedDataDomain{}, fmt.Errorf("no settlement contract for chain %d", chainID)
	}
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: contract.Hex(),
	}, nil
}

// OrderDigest returns the typed digest a maker signs for an order.
func (v *Verifier) OrderDigest(o *order.Order) ([]byte, error) {
	domain, err := v.domain(o.SourceChain)
	if err != nil {
		return nil, err
	}
	td := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"maker":       o.Maker.Hex(),
			"sellToken":   o.SellToken.Hex(),
			"buyToken":    o.BuyToken.Hex(),
			"sellAmount":  o.SellAmount.String(),
			"buyAmount":   o.BuyAmount.String(),
			"sourceChain": new(big.Int).SetUint64(o.SourceChain).String(),
			"targetChain": new(big.Int).SetUint64(o.TargetChain).String(),
			"nonce":       new(big.Int).SetUint64(o.Nonce).String(),
			"expiry":      big.NewInt(o.Expiry.Unix()).String(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash order typed data: %w", err)
	}
	return digest, nil
}

// CancelDigest returns the typed digest a maker signs to cancel an order.
// The domain is the same one the order was signed under.
func (v *Verifier) CancelDigest(orderID string, maker common.Address, sourceChain uint64) ([]byte, error) {
	domain, err := v.domain(sourceChain)
	if err != nil {
		return nil, err
	}
	td := apitypes.TypedData{
		Types:       cancelTypes,
		PrimaryType: "Cancel",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"orderId": orderID,
			"maker":   maker.Hex(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash cancel typed data: %w", err)
	}
	return digest, nil
}

// Verify reports whether sig over the order's typed digest was produced by
// the order's maker. Address comparison is case-insensitive by construction.
func (v *Verifier) Verify(o *order.Order, sig []byte) bool {
	digest, err := v.OrderDigest(o)
	if err != nil {
		return false
	}
	signer, err := recoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return signer == o.Maker
}

// VerifyCancel reports whether sig authorizes cancelling the given order.
func (v *Verifier) VerifyCancel(o *order.Order, maker common.Address, sig []byte) bool {
	if maker != o.Maker {
		return false
	}
	digest, err := v.CancelDigest(o.ID, maker, o.SourceChain)
	if err != nil {
		return false
	}
	signer, err := recoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return signer == maker
}

func recoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	// Wallets emit V as 27/28; crypto.SigToPub wants 0/1.
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
