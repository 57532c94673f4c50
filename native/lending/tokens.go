package lending

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryTokenBackend is an in-process TokenBackend: a bank ledger for the
// underlying plus mirrored receipt and debt token balances. The daemon uses
// it as the settlement surface; tests use it as the collaborator fake.
type MemoryTokenBackend struct {
	mu         sync.Mutex
	underlying map[string]map[common.Address]*big.Int
	vault      map[string]*big.Int
	receipts   map[string]map[common.Address]*big.Int
	debts      map[string]map[common.Address]*big.Int
}

// NewMemoryTokenBackend constructs an empty backend.
func NewMemoryTokenBackend() *MemoryTokenBackend {
	return &MemoryTokenBackend{
		underlying: make(map[string]map[common.Address]*big.Int),
		vault:      make(map[string]*big.Int),
		receipts:   make(map[string]map[common.Address]*big.Int),
		debts:      make(map[string]map[common.Address]*big.Int),
	}
}

func balanceIn(book map[string]map[common.Address]*big.Int, asset string, account common.Address) *big.Int {
	byAccount, ok := book[asset]
	if !ok {
		byAccount = make(map[common.Address]*big.Int)
		book[asset] = byAccount
	}
	balance, ok := byAccount[account]
	if !ok {
		balance = big.NewInt(0)
		byAccount[account] = balance
	}
	return balance
}

// Credit funds an account's underlying balance, for bootstrap and tests.
func (b *MemoryTokenBackend) Credit(asset string, account common.Address, amount *big.Int) {
	if b == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := balanceIn(b.underlying, normaliseAsset(asset), account)
	balance.Add(balance, amount)
}

// UnderlyingBalance reports the account's free underlying.
func (b *MemoryTokenBackend) UnderlyingBalance(asset string, account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneBig(balanceIn(b.underlying, normaliseAsset(asset), account))
}

// PullUnderlying moves amount from the account into the module vault.
func (b *MemoryTokenBackend) PullUnderlying(asset string, from common.Address, amount *big.Int) error {
	if b == nil || amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sym := normaliseAsset(asset)
	balance := balanceIn(b.underlying, sym, from)
	if balance.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	balance.Sub(balance, amount)
	vault, ok := b.vault[sym]
	if !ok {
		vault = big.NewInt(0)
		b.vault[sym] = vault
	}
	vault.Add(vault, amount)
	return nil
}

// PushUnderlying releases amount from the module vault to the account.
func (b *MemoryTokenBackend) PushUnderlying(asset string, to common.Address, amount *big.Int) error {
	if b == nil || amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sym := normaliseAsset(asset)
	vault, ok := b.vault[sym]
	if !ok || vault.Cmp(amount) < 0 {
		return errInsufficientLiquid
	}
	vault.Sub(vault, amount)
	balance := balanceIn(b.underlying, sym, to)
	balance.Add(balance, amount)
	return nil
}

// MintReceipt credits receipt shares.
func (b *MemoryTokenBackend) MintReceipt(asset string, account common.Address, shares *big.Int) error {
	return b.adjust(b.receipts, asset, account, shares, false)
}

// BurnReceipt debits receipt shares.
func (b *MemoryTokenBackend) BurnReceipt(asset string, account common.Address, shares *big.Int) error {
	return b.adjust(b.receipts, asset, account, shares, true)
}

// MintDebt credits debt shares.
func (b *MemoryTokenBackend) MintDebt(asset string, account common.Address, shares *big.Int) error {
	return b.adjust(b.debts, asset, account, shares, false)
}

// BurnDebt debits debt shares.
func (b *MemoryTokenBackend) BurnDebt(asset string, account common.Address, shares *big.Int) error {
	return b.adjust(b.debts, asset, account, shares, true)
}

// TransferReceipt moves receipt shares between accounts.
func (b *MemoryTokenBackend) TransferReceipt(asset string, from, to common.Address, shares *big.Int) error {
	if err := b.adjust(b.receipts, asset, from, shares, true); err != nil {
		return err
	}
	return b.adjust(b.receipts, asset, to, shares, false)
}

// ReceiptBalance reports the account's receipt token shares.
func (b *MemoryTokenBackend) ReceiptBalance(asset string, account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneBig(balanceIn(b.receipts, normaliseAsset(asset), account))
}

// DebtBalance reports the account's debt token shares.
func (b *MemoryTokenBackend) DebtBalance(asset string, account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneBig(balanceIn(b.debts, normaliseAsset(asset), account))
}

func (b *MemoryTokenBackend) adjust(book map[string]map[common.Address]*big.Int, asset string, account common.Address, shares *big.Int, debit bool) error {
	if b == nil || shares == nil || shares.Sign() < 0 {
		return errInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := balanceIn(book, normaliseAsset(asset), account)
	if debit {
		if balance.Cmp(shares) < 0 {
			return errInsufficientShares
		}
		balance.Sub(balance, shares)
		return nil
	}
	balance.Add(balance, shares)
	return nil
}
