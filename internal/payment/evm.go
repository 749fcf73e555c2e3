package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	nativeTransferGas = 21000
	tokenTransferGas  = 90000
	nativeDecimals    = 18
)

var (
	transferTopic    = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	errNotWholeUnits = errors.New("amount has more precision than the asset supports")
)

// ChainReader is the read side of an EVM JSON-RPC client.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// ChainClient is the subset of *ethclient.Client used by EVMGateway.
type ChainClient interface {
	ChainReader
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMConfig configures the EVM gateway and verifier.
type EVMConfig struct {
	// Token is an ERC-20 contract. When nil, payments use the native asset.
	Token        *common.Address
	Decimals     int32
	PollInterval time.Duration
}

// DialEVM connects to an EVM JSON-RPC endpoint.
func DialEVM(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	return client, nil
}

// EVMGateway pays by signing and broadcasting transactions.
type EVMGateway struct {
	client ChainClient
	cfg    EVMConfig
}

// NewEVMGateway creates a gateway over client.
func NewEVMGateway(client ChainClient, cfg EVMConfig) *EVMGateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Token == nil {
		cfg.Decimals = nativeDecimals
	}
	return &EVMGateway{client: client, cfg: cfg}
}

// CreatePaymentRequest implements Gateway.
func (g *EVMGateway) CreatePaymentRequest(_ context.Context, payee common.Address, amount decimal.Decimal, currency string) (*Request, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	if _, err := toUnits(amount, g.cfg.Decimals); err != nil {
		return nil, err
	}
	return &Request{ID: uuid.NewString(), PayTo: payee, Amount: amount, Currency: currency}, nil
}

// ExecutePayment implements Gateway. It blocks until the transaction is
// mined or ctx is done.
func (g *EVMGateway) ExecutePayment(ctx context.Context, req *Request, payer Payer) (Receipt, error) {
	if payer.Key == nil {
		return Receipt{}, fmt.Errorf("payer has no signing key")
	}
	from := payer.Key.Address()
	to := payer.Recipient(req, req.PayTo)

	units, err := toUnits(req.Amount, g.cfg.Decimals)
	if err != nil {
		return Receipt{}, err
	}
	chainID, err := g.client.ChainID(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("query chain id: %w", err)
	}
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return Receipt{}, fmt.Errorf("query nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("suggest gas price: %w", err)
	}

	var tx *types.Transaction
	if g.cfg.Token == nil {
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Value: units, Gas: nativeTransferGas, GasPrice: gasPrice})
	} else {
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, To: g.cfg.Token, Value: big.NewInt(0), Gas: tokenTransferGas, GasPrice: gasPrice, Data: transferCalldata(to, units)})
	}

	signer := types.LatestSignerForChainID(chainID)
	sig, err := payer.Key.Sign(signer.Hash(tx).Bytes())
	if err != nil {
		return Receipt{}, fmt.Errorf("sign transaction: %w", err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return Receipt{}, fmt.Errorf("attach signature: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return Receipt{}, domain.PaymentFailure(domain.ErrCodeInsufficientFunds, fmt.Errorf("%w: %v", ErrInsufficientFunds, err))
		}
		return Receipt{}, fmt.Errorf("send transaction: %w", err)
	}

	rcpt, err := g.waitMined(ctx, signed.Hash())
	if err != nil {
		return Receipt{}, err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("%w: %s", ErrTransferReverted, signed.Hash().Hex())
	}

	fee := decimal.Zero
	if rcpt.EffectiveGasPrice != nil {
		wei := new(big.Int).Mul(new(big.Int).SetUint64(rcpt.GasUsed), rcpt.EffectiveGasPrice)
		fee = decimal.NewFromBigInt(wei, -nativeDecimals)
	}
	return Receipt{TxRef: signed.Hash().Hex(), AmountPaid: req.Amount, Fee: fee}, nil
}

func (g *EVMGateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rcpt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("query receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EVMVerifier reads transfers from transaction receipts.
type EVMVerifier struct {
	client ChainReader
	cfg    EVMConfig
}

// NewEVMVerifier creates a verifier over client.
func NewEVMVerifier(client ChainReader, cfg EVMConfig) *EVMVerifier {
	if cfg.Token == nil {
		cfg.Decimals = nativeDecimals
	}
	return &EVMVerifier{client: client, cfg: cfg}
}

// GetTransferEvent implements Verifier. For token payments it decodes the
// ERC-20 Transfer log emitted by the configured contract; otherwise it
// reads the native value transfer from the transaction itself.
func (v *EVMVerifier) GetTransferEvent(ctx context.Context, txRef string) (TransferEvent, error) {
	hash := common.HexToHash(txRef)
	rcpt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TransferEvent{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, txRef)
		}
		return TransferEvent{}, fmt.Errorf("query receipt: %w", err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return TransferEvent{}, fmt.Errorf("%w: %s", ErrTransferReverted, txRef)
	}

	if v.cfg.Token != nil {
		for _, lg := range rcpt.Logs {
			if lg.Address != *v.cfg.Token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
				continue
			}
			return TransferEvent{
				From:   common.BytesToAddress(lg.Topics[1].Bytes()),
				To:     common.BytesToAddress(lg.Topics[2].Bytes()),
				Amount: decimal.NewFromBigInt(new(big.Int).SetBytes(lg.Data), -v.cfg.Decimals),
			}, nil
		}
		return TransferEvent{}, fmt.Errorf("%w: no token transfer log in %s", ErrUnknownTransfer, txRef)
	}

	tx, _, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		return TransferEvent{}, fmt.Errorf("query transaction: %w", err)
	}
	if tx.To() == nil {
		return TransferEvent{}, fmt.Errorf("%w: %s is a contract creation", ErrUnknownTransfer, txRef)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return TransferEvent{}, fmt.Errorf("recover sender: %w", err)
	}
	return TransferEvent{
		From:   from,
		To:     *tx.To(),
		Amount: decimal.NewFromBigInt(tx.Value(), -v.cfg.Decimals),
	}, nil
}

func toUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s with %d decimals", errNotWholeUnits, amount, decimals)
	}
	return shifted.BigInt(), nil
}

func transferCalldata(to common.Address, units *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return data
}
