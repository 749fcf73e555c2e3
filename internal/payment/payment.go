// Package payment defines the wrapped payment boundary used by settlement:
// a gateway that moves funds and a verifier that reads the resulting
// transfer back from the chain.
package payment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is wrapped when the payer cannot cover amount and fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownTransfer is returned by a verifier that has no record of a tx.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrTransferReverted is returned when the chain reports a failed transaction.
	ErrTransferReverted = errors.New("transfer reverted")
)

// KeyHandle signs on behalf of a wallet. Implementations must never expose
// the underlying secret, including through fmt or slog.
type KeyHandle interface {
	Address() common.Address
	// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
	Sign(digest []byte) ([]byte, error)
}

// Request is a payment addressed to PayTo.
type Request struct {
	ID       string
	PayTo    common.Address
	Amount   decimal.Decimal
	Currency string
}

// Payer identifies who pays and how the transfer recipient is resolved.
// Gateways consult ResolveRecipient, when set, in place of their own
// recipient lookup.
type Payer struct {
	Key              KeyHandle
	ResolveRecipient func(req *Request) common.Address
}

// Recipient returns the address a gateway should transfer to.
func (p Payer) Recipient(req *Request, fallback common.Address) common.Address {
	if p.ResolveRecipient != nil {
		return p.ResolveRecipient(req)
	}
	return fallback
}

// LogValue keeps key material out of structured logs.
func (p Payer) LogValue() slog.Value {
	if p.Key == nil {
		return slog.StringValue("<no key>")
	}
	return slog.StringValue(p.Key.Address().Hex())
}

// Receipt is what the gateway reports after executing a payment.
type Receipt struct {
	TxRef      string
	AmountPaid decimal.Decimal
	Fee        decimal.Decimal
}

// TransferEvent is the on-chain record of a transfer.
type TransferEvent struct {
	From   common.Address
	To     common.Address
	Amount decimal.Decimal
}

// Gateway executes payments.
type Gateway interface {
	CreatePaymentRequest(ctx context.Context, payee common.Address, amount decimal.Decimal, currency string) (*Request, error)
	ExecutePayment(ctx context.Context, req *Request, payer Payer) (Receipt, error)
}

// Verifier reads transfers back from the chain independently of the gateway.
type Verifier interface {
	GetTransferEvent(ctx context.Context, txRef string) (TransferEvent, error)
}
