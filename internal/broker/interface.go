// Package broker provides the order-execution contract the core consumes and
// the Dhan REST client that implements it.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Exchange segments and order parameters the core places orders with.
const (
	SegmentNSEFNO = "NSE_FNO"
	SegmentNSEEQ  = "NSE_EQ"

	OrderTypeMarket = "MARKET"
	OrderTypeSLM    = "SL-M"

	ProductIntraday = "INTRADAY"
)

// OrderRequest describes one order to place.
type OrderRequest struct {
	SecurityID      string
	ExchangeSegment string
	TransactionType string // BUY | SELL
	Quantity        int
	OrderType       string // MARKET | SL-M
	Price           float64
	TriggerPrice    float64
	ProductType     string // INTRADAY
	CorrelationID   string
}

// Adapter is the capability set the execution core requires from a broker.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// APIError is a non-2xx broker response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// OrderResponse wraps the broker's response dictionary. Brokers are loose
// about key names, so all reads go through permissive accessors; the raw map
// is retained for journaling.
type OrderResponse struct {
	Raw map[string]any
}

// NewOrderResponse wraps a response map. Nil maps become empty responses.
func NewOrderResponse(raw map[string]any) *OrderResponse {
	if raw == nil {
		raw = map[string]any{}
	}
	return &OrderResponse{Raw: raw}
}

// Status returns the lowercased order status, or "".
func (r *OrderResponse) Status() string {
	s, _ := r.stringValue("status", "orderStatus", "order_status")
	return strings.ToLower(s)
}

// OrderID returns the broker order id, or "".
func (r *OrderResponse) OrderID() string {
	s, _ := r.stringValue("order_id", "orderId", "orderID")
	return s
}

// FilledQuantity returns the filled quantity if the response reports one.
func (r *OrderResponse) FilledQuantity() (int, bool) {
	f, ok := r.floatValue("filled_quantity", "filledQty", "filled_qty", "filledQuantity")
	return int(f), ok
}

// AvgPrice returns the average fill price if the response reports one.
func (r *OrderResponse) AvgPrice() (float64, bool) {
	return r.floatValue("avg_price", "filled_price", "avgPrice", "averagePrice")
}

// Rejected reports whether the broker explicitly refused the order.
func (r *OrderResponse) Rejected() bool {
	switch r.Status() {
	case "rejected", "failed":
		return true
	}
	return false
}

// Filled reports an immediate fill: an explicit filled status, or both a
// filled quantity and an average price present in the response.
func (r *OrderResponse) Filled() bool {
	switch r.Status() {
	case "filled", "complete", "traded", "filled_with_trade":
		return true
	}
	_, hasQty := r.FilledQuantity()
	_, hasPrice := r.AvgPrice()
	return hasQty && hasPrice
}

// SecurityID returns the security id echoed by the broker, or "".
func (r *OrderResponse) SecurityID() string {
	s, _ := r.stringValue("security_id", "securityId")
	return s
}

func (r *OrderResponse) stringValue(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := r.Raw[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case int:
			return strconv.Itoa(t), true
		case int64:
			return strconv.FormatInt(t, 10), true
		}
	}
	return "", false
}

func (r *OrderResponse) floatValue(keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := r.Raw[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case int:
			return float64(t), true
		case int64:
			return float64(t), true
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
