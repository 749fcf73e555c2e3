// Package remote implements a strategy served by an external decision
// service over gRPC.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashureev/dealbroker/internal/strategy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProposeMethod is the full gRPC method name of the decision service.
const ProposeMethod = "/dealbroker.decision.v1.DecisionService/Propose"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMissingPrice             = errors.New("decision response has no proposed_price")
)

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   10 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Invoker is the subset of grpc.ClientConnInterface the strategy needs.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Client is a strategy backed by the remote decision service.
type Client struct {
	conn    *grpc.ClientConn
	invoker Invoker
	cfg     ClientConfig
	logger  *slog.Logger
}

// Dial connects to the decision service and waits until it is ready.
func Dial(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to decision service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("decision service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to decision service", "address", cfg.Address)
	return &Client{conn: conn, invoker: conn, cfg: cfg, logger: logger}, nil
}

// NewWithInvoker builds a Client over an existing invoker.
func NewWithInvoker(inv Invoker, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{invoker: inv, cfg: cfg, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close decision service connection", "error", err)
		return err
	}
	return nil
}

// Propose implements strategy.Strategy.
func (c *Client) Propose(ctx context.Context, state strategy.State) (strategy.Proposal, error) {
	req, err := encodeState(state)
	if err != nil {
		return strategy.Proposal{}, fmt.Errorf("encode state: %w", err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.invoker.Invoke(ctx, ProposeMethod, req, resp); err != nil {
		return strategy.Proposal{}, fmt.Errorf("invoke decision service: %w", err)
	}
	return decodeProposal(resp)
}

func encodeState(s strategy.State) (*structpb.Struct, error) {
	history := make([]any, 0, len(s.History))
	for _, r := range s.History {
		history = append(history, map[string]any{
			"round":          r.Number,
			"role":           string(r.Role),
			"sender":         r.SenderRef,
			"message":        r.Message,
			"proposed_price": r.Price.InexactFloat64(),
			"accept":         r.Accept,
		})
	}
	return structpb.NewStruct(map[string]any{
		"session_id":    s.SessionID,
		"role":          string(s.Role),
		"round":         s.Round,
		"round_limit":   s.RoundLimit,
		"limit_price":   s.Limit.InexactFloat64(),
		"opening_price": s.Opening.InexactFloat64(),
		"item_name":     s.ItemName,
		"currency":      s.Currency,
		"history":       history,
	})
}

func decodeProposal(resp *structpb.Struct) (strategy.Proposal, error) {
	f := resp.GetFields()
	p := strategy.Proposal{
		Message: f["message"].GetStringValue(),
		Accept:  f["accept"].GetBoolValue(),
		Reject:  f["reject"].GetBoolValue(),
		Reason:  f["reason"].GetStringValue(),
	}
	price, ok := f["proposed_price"]
	if !ok {
		if p.Reject {
			return p, nil
		}
		return strategy.Proposal{}, errMissingPrice
	}
	if _, isNum := price.GetKind().(*structpb.Value_NumberValue); !isNum {
		return strategy.Proposal{}, errMissingPrice
	}
	p.Price = price.GetNumberValue()
	if math.IsNaN(p.Price) {
		return strategy.Proposal{}, fmt.Errorf("decision service returned NaN price")
	}
	return p, nil
}
