package lending

import (
	"errors"
	"testing"
)

func TestTokenBackendVaultFlow(t *testing.T) {
	tokens := NewMemoryTokenBackend()
	tokens.Credit("USDC", addrAlice, amount(100))

	if err := tokens.PullUnderlying("USDC", addrAlice, amount(60)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	mustEqualBig(t, tokens.UnderlyingBalance("USDC", addrAlice), amount(40), "balance after pull")

	err := tokens.PullUnderlying("USDC", addrAlice, amount(41))
	if !errors.Is(err, errInsufficientBalance) {
		t.Fatalf("overdraw pull: %v", err)
	}

	if err := tokens.PushUnderlying("USDC", addrBob, amount(60)); err != nil {
		t.Fatalf("push: %v", err)
	}
	mustEqualBig(t, tokens.UnderlyingBalance("USDC", addrBob), amount(60), "balance after push")

	// The vault is empty again, so any further release fails.
	err = tokens.PushUnderlying("USDC", addrBob, amount(1))
	if !errors.Is(err, errInsufficientLiquid) {
		t.Fatalf("drained vault push: %v", err)
	}
}

func TestTokenBackendShares(t *testing.T) {
	tokens := NewMemoryTokenBackend()

	if err := tokens.MintReceipt("weth", addrAlice, amount(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	mustEqualBig(t, tokens.ReceiptBalance("WETH", addrAlice), amount(5), "receipts normalise asset")

	if err := tokens.TransferReceipt("WETH", addrAlice, addrBob, amount(2)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	mustEqualBig(t, tokens.ReceiptBalance("WETH", addrAlice), amount(3), "sender receipts")
	mustEqualBig(t, tokens.ReceiptBalance("WETH", addrBob), amount(2), "recipient receipts")

	err := tokens.BurnReceipt("WETH", addrBob, amount(3))
	if !errors.Is(err, errInsufficientShares) {
		t.Fatalf("over-burn: %v", err)
	}

	if err := tokens.MintDebt("USDC", addrBob, amount(7)); err != nil {
		t.Fatalf("mint debt: %v", err)
	}
	if err := tokens.BurnDebt("USDC", addrBob, amount(7)); err != nil {
		t.Fatalf("burn debt: %v", err)
	}
	mustEqualBig(t, tokens.DebtBalance("USDC", addrBob), bigIntZero(), "debt cleared")
}
