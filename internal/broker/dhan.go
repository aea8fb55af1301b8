package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const defaultDhanBaseURL = "https://api.dhan.co/v2"

// dhanOrderType maps our order type names to the Dhan API's.
var dhanOrderType = map[string]string{
	OrderTypeMarket: "MARKET",
	OrderTypeSLM:    "STOP_LOSS_MARKET",
}

// DhanClient is a minimal Dhan HQ REST client covering order placement,
// cancellation, quote snapshots, and option chains. All calls are rate
// limited and carry the caller's context.
type DhanClient struct {
	client   *http.Client
	baseURL  string
	clientID string
	token    string
	limiter  *rate.Limiter
}

// NewDhanClient builds a client with the given credentials. An empty baseURL
// selects the production API.
func NewDhanClient(clientID, accessToken, baseURL string) *DhanClient {
	if baseURL == "" {
		baseURL = defaultDhanBaseURL
	}
	return &DhanClient{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		token:    accessToken,
		// Dhan allows ~10 order requests/sec per client; stay under it.
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// HasCredentials reports whether both client id and token are configured.
func (d *DhanClient) HasCredentials() bool {
	return d.clientID != "" && d.token != ""
}

var _ Adapter = (*DhanClient)(nil)

// PlaceOrder submits an order and returns the broker's response dictionary.
func (d *DhanClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	orderType, ok := dhanOrderType[req.OrderType]
	if !ok {
		return nil, fmt.Errorf("unsupported order type %q", req.OrderType)
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}

	body := map[string]any{
		"dhanClientId":    d.clientID,
		"correlationId":   correlation,
		"transactionType": req.TransactionType,
		"exchangeSegment": req.ExchangeSegment,
		"productType":     req.ProductType,
		"orderType":       orderType,
		"securityId":      req.SecurityID,
		"quantity":        req.Quantity,
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		body["triggerPrice"] = req.TriggerPrice
	}

	raw, err := d.do(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return nil, err
	}
	return NewOrderResponse(raw), nil
}

// CancelOrder cancels a pending order by broker order id.
func (d *DhanClient) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("cancel order: empty order id")
	}
	_, err := d.do(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	return err
}

// QuoteLTP fetches last traded prices for security ids grouped by exchange
// segment. Returns security id -> ltp.
func (d *DhanClient) QuoteLTP(ctx context.Context, segments map[string][]int) (map[string]float64, error) {
	raw, err := d.do(ctx, http.MethodPost, "/marketfeed/ltp", segments)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	data, _ := raw["data"].(map[string]any)
	for _, segPayload := range data {
		bySec, ok := segPayload.(map[string]any)
		if !ok {
			continue
		}
		for sid, v := range bySec {
			fields, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if ltp, ok := fields["last_price"].(float64); ok {
				out[sid] = ltp
			}
		}
	}
	return out, nil
}

// ExpiryList fetches the available option expiries for an underlying,
// nearest first.
func (d *DhanClient) ExpiryList(ctx context.Context, underlyingScrip int, underlyingSegment string) ([]string, error) {
	raw, err := d.do(ctx, http.MethodPost, "/optionchain/expirylist", map[string]any{
		"UnderlyingScrip": underlyingScrip,
		"UnderlyingSeg":   underlyingSegment,
	})
	if err != nil {
		return nil, err
	}

	list, _ := raw["data"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// OptionChain fetches the option chain for an underlying and expiry. The
// returned payload is the raw strike -> {ce, pe} map.
func (d *DhanClient) OptionChain(ctx context.Context, underlyingScrip int, underlyingSegment, expiry string) (map[string]any, error) {
	body := map[string]any{
		"UnderlyingScrip": underlyingScrip,
		"UnderlyingSeg":   underlyingSegment,
	}
	if expiry != "" {
		body["Expiry"] = expiry
	}
	raw, err := d.do(ctx, http.MethodPost, "/optionchain", body)
	if err != nil {
		return nil, err
	}

	data, _ := raw["data"].(map[string]any)
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}
	if oc, ok := data["oc"].(map[string]any); ok {
		return oc, nil
	}
	return data, nil
}

func (d *DhanClient) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", d.token)
	req.Header.Set("client-id", d.clientID)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	out := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	return out, nil
}
