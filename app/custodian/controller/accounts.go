package controller

import (
	"errors"
	"net/http"
	"strings"

	ctypes "github.com/canopy-network/custodyx/app/custodian/controller/types"
	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/utils"
	"go.uber.org/zap"
)

// HandleRegister creates an account with the starting balance.
func (c *Controller) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in ctypes.RegisterRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, ctypes.ErrorResponse{Error: "bad json"})
		return
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" || strings.TrimSpace(in.EthereumAddress) == "" {
		writeJSON(w, http.StatusBadRequest, ctypes.ErrorResponse{Error: "Missing data"})
		return
	}
	address, err := chain.NormalizeAddress(in.EthereumAddress)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ctypes.ErrorResponse{Error: "Invalid ethereum address"})
		return
	}

	hash, err := utils.HashPassword(in.Password)
	if err != nil {
		c.App.Logger.Error("Unable to hash password", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
		return
	}

	acct, err := c.App.Store.CreateAccount(r.Context(), in.Username, hash, address)
	switch {
	case errors.Is(err, ledger.ErrConflict):
		writeJSON(w, http.StatusConflict, ctypes.ErrorResponse{Error: "User already exists"})
		return
	case err != nil:
		c.App.Logger.Error("Unable to create account", zap.String("identity", in.Username), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
		return
	}

	c.App.Logger.Info("Account registered",
		zap.String("identity", acct.Identity),
		zap.String("address", acct.ChainAddress))
	writeJSON(w, http.StatusCreated, ctypes.MessageResponse{Message: "User registered successfully"})
}

// HandleLogin exchanges credentials for a session token.
func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in ctypes.LoginRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, ctypes.ErrorResponse{Error: "bad json"})
		return
	}

	acct, err := c.App.Store.GetAccount(r.Context(), strings.TrimSpace(in.Username))
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		c.App.Logger.Error("Unable to load account", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
		return
	}
	if err != nil || !utils.CheckPassword(acct.CredentialRef, in.Password) {
		writeJSON(w, http.StatusUnauthorized, ctypes.MessageResponse{Message: "Invalid username or password"})
		return
	}

	token, exp, err := c.App.Sessions.Issue(acct.Identity)
	if err != nil {
		c.App.Logger.Error("Unable to issue session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ctypes.LoginResponse{Token: token, ExpiresAt: exp.Unix()})
}

// HandleAssets returns the caller's balance.
func (c *Controller) HandleAssets(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	acct, err := c.App.Store.GetAccount(r.Context(), identity)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ctypes.ErrorResponse{Error: "User does not exist"})
		return
	case err != nil:
		c.App.Logger.Error("Unable to load account", zap.String("identity", identity), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ctypes.AssetsResponse{
		Assets:    acct.Balance,
		Reserved:  acct.Reserved,
		Available: acct.Available(),
	})
}
