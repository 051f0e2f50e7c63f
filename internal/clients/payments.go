package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PaymentProviderClient fetches payment details from the payment gateway.
// The webhook only carries a payment ID; everything else (status, the search
// reference, and the purchase metadata bag) comes from this lookup.
type PaymentProviderClient struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

// NewPaymentProviderClient creates a payment provider client
func NewPaymentProviderClient(baseURL, accessToken string, timeout time.Duration) *PaymentProviderClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PaymentProviderClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		http:        &http.Client{Timeout: timeout},
	}
}

// PaymentDetail is the validated boundary model of a provider payment. The
// provider payload is loosely typed; only the fields the pipeline consumes
// are modeled, everything else is dropped at this edge.
type PaymentDetail struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount float64         `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	Metadata          PaymentMetadata `json:"metadata"`
}

// PaymentMetadata is the purchase metadata bag attached at preference time
type PaymentMetadata struct {
	Email      string   `json:"email"`
	Phone      string   `json:"phone"`
	Rubro      string   `json:"rubro"`
	Region     string   `json:"region"`
	Localities []string `json:"localities"`
	Quantity   int      `json:"quantity"`
}

// UnmarshalJSON tolerates the provider's habit of sending numbers as strings
// and the payment id as a number.
func (d *PaymentDetail) UnmarshalJSON(data []byte) error {
	type alias PaymentDetail
	aux := struct {
		ID json.RawMessage `json:"id"`
		*alias
	}{alias: (*alias)(d)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.ID) > 0 {
		var s string
		if err := json.Unmarshal(aux.ID, &s); err == nil {
			d.ID = s
		} else {
			var n json.Number
			if err := json.Unmarshal(aux.ID, &n); err != nil {
				return fmt.Errorf("unsupported payment id: %s", aux.ID)
			}
			d.ID = n.String()
		}
	}
	return nil
}

// GetPayment fetches a payment by its provider ID
func (c *PaymentProviderClient) GetPayment(ctx context.Context, paymentID string) (*PaymentDetail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/payments/%s", c.baseURL, paymentID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("payment %s not found at provider", paymentID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("payment lookup status %d: %s", resp.StatusCode, snippet)
	}

	var detail PaymentDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("failed to decode payment detail: %w", err)
	}
	return &detail, nil
}
