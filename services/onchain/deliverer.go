package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"tradecore-settlement/services/revenue"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Delivery is one holder-share transfer handed to the settlement contract
// relay. ChainAmount is the holder share converted to native chain units.
type Delivery struct {
	EventID      snowflake.ID
	StreamID     revenue.StreamID
	Currency     string
	HolderAmount decimal.Decimal
	ChainAmount  *big.Int
}

// Deliverer submits a holder-share transfer. Signing and gas handling live
// behind the relay endpoint, not here.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) (txHash string, err error)
}

type HTTPDeliverer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPDeliverer(endpoint string) *HTTPDeliverer {
	return &HTTPDeliverer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type deliverRequest struct {
	EventID  int64  `json:"event_id"`
	Stream   string `json:"stream"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type deliverResponse struct {
	TxHash string `json:"tx_hash"`
}

func (h *HTTPDeliverer) Deliver(ctx context.Context, d Delivery) (string, error) {
	body, err := json.Marshal(deliverRequest{
		EventID:  int64(d.EventID),
		Stream:   d.StreamID.String(),
		Currency: d.Currency,
		Amount:   d.ChainAmount.String(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	var out deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode relay response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("relay response missing tx_hash")
	}

	return out.TxHash, nil
}
