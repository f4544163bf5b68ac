package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SigningCredential is the single funding key of the service. It is created once at
// startup and handed to the client that signs with it.
type SigningCredential struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigningCredential parses a hex encoded secp256k1 private key, with or without 0x.
func NewSigningCredential(hexKey string) (*SigningCredential, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("signing key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &SigningCredential{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (c *SigningCredential) Address() common.Address { return c.address }

// String never prints key material.
func (c *SigningCredential) String() string {
	return "SigningCredential(" + c.address.Hex() + ")"
}

func (c *SigningCredential) sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), c.key)
}
