package domain

import "github.com/shopspring/decimal"

// Agent is an economic participant as registered in the agent directory.
type Agent struct {
	Ref           string `json:"id" yaml:"id"`
	DisplayName   string `json:"display_name" yaml:"display_name"`
	Role          Role   `json:"role" yaml:"role"`
	WalletAddress string `json:"wallet_address" yaml:"wallet_address"`
}

// Item is a catalog entry offered by a seller.
type Item struct {
	Ref                string          `json:"id" yaml:"id"`
	SellerRef          string          `json:"seller_id,omitempty" yaml:"seller_id"`
	Name               string          `json:"name" yaml:"name"`
	ListPrice          decimal.Decimal `json:"list_price" yaml:"list_price"`
	MaxDiscountPercent decimal.Decimal `json:"max_discount_percent" yaml:"max_discount_percent"`
	Stock              int             `json:"stock" yaml:"stock"`
	Currency           string          `json:"currency,omitempty" yaml:"currency"`
}
