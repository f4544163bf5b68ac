package types

import "github.com/shopspring/decimal"

// RegisterRequest creates an account bound to an on-chain address.
type RegisterRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	EthereumAddress string `json:"ethereum_address"`
}

// LoginRequest contains credentials for user authentication
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type AssetsResponse struct {
	Assets    decimal.Decimal `json:"assets"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
