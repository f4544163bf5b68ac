package types

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
)

// Amount accepts a JSON string ("12.5") or a bare JSON number (12.5) and keeps the
// literal text so no float conversion happens.
type Amount string

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*a = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*a = Amount(b)
	default:
		return fmt.Errorf("amount must be a string or a number, got %s", b)
	}
	return nil
}

type TransferRequest struct {
	Receiver string `json:"receiver"`
	Amount   Amount `json:"amount"`
}

type TransferResponse struct {
	Message string `json:"message"`
	TxHash  string `json:"txHash"`
	ID      string `json:"id"`
}

// TransferRecord is one entry of GET /transactions.
type TransferRecord struct {
	ID               string    `json:"id"`
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	ReceiverIdentity string    `json:"receiver_identity,omitempty"`
	Amount           string    `json:"amount"`
	Timestamp        time.Time `json:"timestamp"`
	TxHash           string    `json:"txHash"`
}

type FeeResponse struct {
	GasLimit uint64 `json:"gasLimit"`
	GasPrice string `json:"gasPrice"`
	// Cost is in the chain's native unit (wei)
	Cost string `json:"cost"`
	// CostUnits is the same cost in ledger units
	CostUnits string `json:"costUnits"`
}
