package sign

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"swapd/internal/order"
)

var testContracts = map[uint64]common.Address{
	1:   common.HexToAddress("0x4444444444444444444444444444444444444444"),
	137: common.HexToAddress("0x5555555555555555555555555555555555555555"),
}

func signedOrder(t *testing.T, v *Verifier) (*order.Order, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	o := &order.Order{
		ID:           "ord-1",
		Maker:        crypto.PubkeyToAddress(key.PublicKey),
		SellToken:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		BuyToken:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		SellAmount:   big.NewInt(1000),
		BuyAmount:    big.NewInt(500),
		FilledAmount: new(big.Int),
		SourceChain:  1,
		TargetChain:  137,
		Nonce:        7,
		Status:       order.StatusOpen,
		Expiry:       time.Unix(1900000000, 0),
	}

	digest, err := v.OrderDigest(o)
	if err != nil {
		t.Fatalf("order digest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	o.Signature = sig
	return o, key
}

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(testContracts)
	o, _ := signedOrder(t, v)

	if !v.Verify(o, o.Signature) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyAcceptsWalletVValues(t *testing.T) {
	v := NewVerifier(testContracts)
	o, _ := signedOrder(t, v)

	// Wallets report V as 27/28 instead of 0/1.
	shifted := make([]byte, len(o.Signature))
	copy(shifted, o.Signature)
	shifted[64] += 27

	if !v.Verify(o, shifted) {
		t.Fatal("expected 27-offset V to verify")
	}
}

func TestVerifyRejectsMutatedFields(t *testing.T) {
	v := NewVerifier(testContracts)

	cases := []struct {
		name   string
		mutate func(*order.Order)
	}{
		{"sell amount", func(o *order.Order) { o.SellAmount = big.NewInt(1001) }},
		{"buy amount", func(o *order.Order) { o.BuyAmount = big.NewInt(499) }},
		{"sell token", func(o *order.Order) {
			o.SellToken = common.HexToAddress("0x9999999999999999999999999999999999999999")
		}},
		{"target chain", func(o *order.Order) { o.TargetChain = 10 }},
		{"nonce", func(o *order.Order) { o.Nonce = 8 }},
		{"expiry", func(o *order.Order) { o.Expiry = o.Expiry.Add(time.Second) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, _ := signedOrder(t, v)
			tc.mutate(o)
			if v.Verify(o, o.Signature) {
				t.Error("mutated order should not verify")
			}
		})
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	v := NewVerifier(testContracts)
	o, _ := signedOrder(t, v)

	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest, err := v.OrderDigest(o)
	if err != nil {
		t.Fatalf("order digest: %v", err)
	}
	sig, err := crypto.Sign(digest, other)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}

	if v.Verify(o, sig) {
		t.Error("signature from another key should not verify")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	v := NewVerifier(testContracts)
	o, _ := signedOrder(t, v)

	if v.Verify(o, o.Signature[:64]) {
		t.Error("short signature should not verify")
	}
	if v.Verify(o, nil) {
		t.Error("nil signature should not verify")
	}
}

func TestVerifyUnknownChain(t *testing.T) {
	v := NewVerifier(testContracts)
	o, _ := signedOrder(t, v)
	o.SourceChain = 999

	if v.Verify(o, o.Signature) {
		t.Error("order on an unconfigured chain should not verify")
	}
}

func TestVerifyCancel(t *testing.T) {
	v := NewVerifier(testContracts)
	o, key := signedOrder(t, v)

	digest, err := v.CancelDigest(o.ID, o.Maker, o.SourceChain)
	if err != nil {
		t.Fatalf("cancel digest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}

	if !v.VerifyCancel(o, o.Maker, sig) {
		t.Fatal("expected cancel signature to verify")
	}

	// The order signature does not authorize a cancel.
	if v.VerifyCancel(o, o.Maker, o.Signature) {
		t.Error("order signature should not authorize cancel")
	}

	other := common.HexToAddress("0x6666666666666666666666666666666666666666")
	if v.VerifyCancel(o, other, sig) {
		t.Error("cancel claimed by a non-maker should not verify")
	}
}
