package controller

import (
	"net/http"
	"strconv"

	ctypes "github.com/canopy-network/custodyx/app/custodian/controller/types"
	"github.com/canopy-network/custodyx/pkg/chain"
)

// HandleFee reports the fixed on-chain cost of one transfer.
func (c *Controller) HandleFee(w http.ResponseWriter, _ *http.Request) {
	native, units := c.App.Engine.EstimateFee()
	writeJSON(w, http.StatusOK, ctypes.FeeResponse{
		GasLimit:  chain.GasLimit,
		GasPrice:  strconv.FormatInt(chain.GasPriceWei, 10),
		Cost:      native,
		CostUnits: units.String(),
	})
}
