package controller

import (
	"errors"
	"net/http"

	ctypes "github.com/canopy-network/custodyx/app/custodian/controller/types"
	"github.com/canopy-network/custodyx/pkg/transfer"
	"go.uber.org/zap"
)

// rejectionStatus maps each rejection reason to its HTTP status.
var rejectionStatus = map[transfer.Reason]int{
	transfer.ReasonMissingField:             http.StatusBadRequest,
	transfer.ReasonInvalidAmount:            http.StatusBadRequest,
	transfer.ReasonInvalidAddress:           http.StatusBadRequest,
	transfer.ReasonUnknownSender:            http.StatusNotFound,
	transfer.ReasonInsufficientFunds:        http.StatusConflict,
	transfer.ReasonInsufficientOnChainFunds: http.StatusFailedDependency,
	transfer.ReasonChainSubmissionError:     http.StatusFailedDependency,
}

// HandleTransfer runs one transfer from the authenticated caller.
func (c *Controller) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	var in ctypes.TransferRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, ctypes.ErrorResponse{Error: "bad json", Detail: err.Error()})
		return
	}

	res, err := c.App.Engine.Execute(r.Context(), transfer.Request{
		Sender:   identity,
		Receiver: in.Receiver,
		Amount:   string(in.Amount),
	})
	if err == nil {
		writeJSON(w, http.StatusCreated, ctypes.TransferResponse{
			Message: "Transaction successful",
			TxHash:  res.TxHash,
			ID:      res.ID,
		})
		return
	}

	if errors.Is(err, transfer.ErrCommitDeferred) {
		writeJSON(w, http.StatusAccepted, ctypes.TransferResponse{
			Message: "Transaction broadcast; ledger update pending",
			TxHash:  res.TxHash,
			ID:      res.ID,
		})
		return
	}

	if rej, ok := transfer.AsRejection(err); ok {
		status, known := rejectionStatus[rej.Reason]
		if !known {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, ctypes.ErrorResponse{Error: string(rej.Reason), Detail: rej.Detail})
		return
	}

	c.App.Logger.Error("Transfer failed", zap.String("identity", identity), zap.String("transfer_id", res.ID), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
}

// HandleTransfers lists the records the caller sent or received.
func (c *Controller) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	records, err := c.App.Store.ListTransfersFor(r.Context(), identity)
	if err != nil {
		c.App.Logger.Error("Unable to list transfers", zap.String("identity", identity), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ctypes.ErrorResponse{Error: "internal error"})
		return
	}

	out := make([]ctypes.TransferRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, ctypes.TransferRecord{
			ID:               rec.ID,
			Sender:           rec.Sender,
			Receiver:         rec.Receiver,
			ReceiverIdentity: rec.ReceiverIdentity,
			Amount:           rec.Amount.String(),
			Timestamp:        rec.Timestamp,
			TxHash:           rec.TxHash,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
