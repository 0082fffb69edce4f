package coinbase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// FloatString decodes numeric values that the feed encodes as JSON strings.
// Empty strings and null decode to zero.
type FloatString float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FloatString) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*f = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("coinbase: parse float %q: %w", s, err)
	}
	*f = FloatString(v)
	return nil
}

// Event is one decoded feed message. The concrete types below form a closed
// set; any unrecognized message type decodes to UnknownEvent.
type Event interface {
	isEvent()
}

// HeartbeatEvent is the per-product keep-alive message.
type HeartbeatEvent struct {
	ProductID   string `json:"product_id"`
	Sequence    int64  `json:"sequence"`
	LastTradeID int64  `json:"last_trade_id"`
	Time        string `json:"time"`
}

// SubscriptionsEvent confirms the active channel subscriptions.
type SubscriptionsEvent struct {
	Channels []struct {
		Name       string   `json:"name"`
		ProductIDs []string `json:"product_ids"`
	} `json:"channels"`
}

// TickerEvent is a trade-driven market data update.
type TickerEvent struct {
	ProductID string      `json:"product_id"`
	TradeID   int64       `json:"trade_id"`
	Price     FloatString `json:"price"`
	BestBid   FloatString `json:"best_bid"`
	BestAsk   FloatString `json:"best_ask"`
	LastSize  FloatString `json:"last_size"`
	Volume24h FloatString `json:"volume_24h"`
	Time      string      `json:"time"`
}

// Ticker converts the event to its domain form.
func (e TickerEvent) Ticker() domain.Ticker {
	ts, _ := time.Parse(time.RFC3339Nano, e.Time)
	return domain.Ticker{
		ProductID: e.ProductID,
		TradeID:   e.TradeID,
		Price:     float64(e.Price),
		BestBid:   float64(e.BestBid),
		BestAsk:   float64(e.BestAsk),
		LastSize:  float64(e.LastSize),
		Volume24h: float64(e.Volume24h),
		Time:      ts,
	}
}

// ProductMessage is the product shape shared by the status channel and the
// REST products endpoint. TradingDisabled is a pointer because the feed
// omits the field entirely when trading is enabled.
type ProductMessage struct {
	ID              string      `json:"id"`
	BaseCurrency    string      `json:"base_currency"`
	QuoteCurrency   string      `json:"quote_currency"`
	BaseMinSize     FloatString `json:"base_min_size"`
	BaseMaxSize     FloatString `json:"base_max_size"`
	MinMarketFunds  FloatString `json:"min_market_funds"`
	BaseIncrement   string      `json:"base_increment"`
	QuoteIncrement  string      `json:"quote_increment"`
	Status          string      `json:"status"`
	CancelOnly      bool        `json:"cancel_only"`
	LimitOnly       bool        `json:"limit_only"`
	PostOnly        bool        `json:"post_only"`
	TradingDisabled *bool       `json:"trading_disabled"`
}

// Product converts the message to its domain form, deriving the decimal
// precision of both increments and defaulting trading_disabled to false.
func (m ProductMessage) Product() domain.Product {
	disabled := false
	if m.TradingDisabled != nil {
		disabled = *m.TradingDisabled
	}
	return domain.Product{
		ID:              m.ID,
		BaseCurrency:    m.BaseCurrency,
		QuoteCurrency:   m.QuoteCurrency,
		BaseMinSize:     float64(m.BaseMinSize),
		BaseMaxSize:     float64(m.BaseMaxSize),
		MinMarketFunds:  float64(m.MinMarketFunds),
		BaseIncrement:   m.BaseIncrement,
		QuoteIncrement:  m.QuoteIncrement,
		Status:          m.Status,
		CancelOnly:      m.CancelOnly,
		LimitOnly:       m.LimitOnly,
		PostOnly:        m.PostOnly,
		TradingDisabled: disabled,
		BasePrecision:   incrementPrecision(m.BaseIncrement),
		QuotePrecision:  incrementPrecision(m.QuoteIncrement),
	}
}

// MessageFromProduct rebuilds the cache wire shape from a domain product,
// used when product metadata is repopulated from the REST API instead of
// the status channel.
func MessageFromProduct(p domain.Product) ProductMessage {
	disabled := p.TradingDisabled
	return ProductMessage{
		ID:              p.ID,
		BaseCurrency:    p.BaseCurrency,
		QuoteCurrency:   p.QuoteCurrency,
		BaseMinSize:     FloatString(p.BaseMinSize),
		BaseMaxSize:     FloatString(p.BaseMaxSize),
		MinMarketFunds:  FloatString(p.MinMarketFunds),
		BaseIncrement:   p.BaseIncrement,
		QuoteIncrement:  p.QuoteIncrement,
		Status:          p.Status,
		CancelOnly:      p.CancelOnly,
		LimitOnly:       p.LimitOnly,
		PostOnly:        p.PostOnly,
		TradingDisabled: &disabled,
	}
}

// incrementPrecision counts the decimal places of an increment string like
// "0.01000000", ignoring trailing zeros.
func incrementPrecision(increment string) int {
	dot := -1
	last := -1
	for i, r := range increment {
		switch {
		case r == '.':
			dot = i
		case r >= '1' && r <= '9':
			last = i
		}
	}
	if dot < 0 || last <= dot {
		return 0
	}
	return last - dot
}

// StatusEvent carries the full product list on the status channel.
type StatusEvent struct {
	Products []ProductMessage `json:"products"`
}

// ReceivedEvent acknowledges order entry into the matching engine.
type ReceivedEvent struct {
	OrderID   string      `json:"order_id"`
	ClientOID string      `json:"client_oid"`
	OrderType string      `json:"order_type"`
	Side      string      `json:"side"`
	ProductID string      `json:"product_id"`
	Price     FloatString `json:"price"`
	Size      FloatString `json:"size"`
	Funds     FloatString `json:"funds"`
	UserID    string      `json:"user_id"`
	Time      string      `json:"time"`
}

// OpenEvent reports a limit order resting on the book.
type OpenEvent struct {
	OrderID       string      `json:"order_id"`
	Side          string      `json:"side"`
	ProductID     string      `json:"product_id"`
	Price         FloatString `json:"price"`
	RemainingSize FloatString `json:"remaining_size"`
	Time          string      `json:"time"`
}

// ActivateEvent reports a stop order becoming active.
type ActivateEvent struct {
	OrderID   string      `json:"order_id"`
	ClientOID string      `json:"client_oid"`
	Side      string      `json:"side"`
	ProductID string      `json:"product_id"`
	StopType  string      `json:"stop_type"`
	StopPrice FloatString `json:"stop_price"`
	Size      FloatString `json:"size"`
	Time      string      `json:"time"`
}

// MatchEvent reports a full or partial fill. The authenticated user can be
// on either side, so both maker and taker identities are carried.
type MatchEvent struct {
	Side         string      `json:"side"`
	ProductID    string      `json:"product_id"`
	TradeID      int64       `json:"trade_id"`
	MakerOrderID string      `json:"maker_order_id"`
	TakerOrderID string      `json:"taker_order_id"`
	Size         FloatString `json:"size"`
	Price        FloatString `json:"price"`
	UserID       string      `json:"user_id"`
	TakerUserID  string      `json:"taker_user_id"`
	MakerUserID  string      `json:"maker_user_id"`
	TakerFeeRate FloatString `json:"taker_fee_rate"`
	MakerFeeRate FloatString `json:"maker_fee_rate"`
	Time         string      `json:"time"`
}

// UserFill returns the order id and fee rate for whichever side of the
// match belongs to the authenticated user.
func (e MatchEvent) UserFill() (orderID string, feeRate float64) {
	if e.UserID == e.TakerUserID {
		return e.TakerOrderID, float64(e.TakerFeeRate)
	}
	return e.MakerOrderID, float64(e.MakerFeeRate)
}

// DoneEvent terminates an order; Reason is "filled" or "canceled".
type DoneEvent struct {
	OrderID       string      `json:"order_id"`
	Reason        string      `json:"reason"`
	Side          string      `json:"side"`
	ProductID     string      `json:"product_id"`
	Price         FloatString `json:"price"`
	RemainingSize FloatString `json:"remaining_size"`
	Time          string      `json:"time"`
}

// UnknownEvent is the fallback for message types outside the closed set.
type UnknownEvent struct {
	Type string
}

func (HeartbeatEvent) isEvent()     {}
func (SubscriptionsEvent) isEvent() {}
func (TickerEvent) isEvent()        {}
func (StatusEvent) isEvent()        {}
func (ReceivedEvent) isEvent()      {}
func (OpenEvent) isEvent()          {}
func (ActivateEvent) isEvent()      {}
func (MatchEvent) isEvent()         {}
func (DoneEvent) isEvent()          {}
func (UnknownEvent) isEvent()       {}

// DecodeEvent parses one raw feed message into its event type. Messages
// with an unrecognized type field decode to UnknownEvent; malformed JSON is
// an error.
func DecodeEvent(raw []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("coinbase: decode event envelope: %w", err)
	}

	switch envelope.Type {
	case "heartbeat":
		var e HeartbeatEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode heartbeat: %w", err)
		}
		return e, nil
	case "subscriptions":
		var e SubscriptionsEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode subscriptions: %w", err)
		}
		return e, nil
	case "ticker":
		var e TickerEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode ticker: %w", err)
		}
		return e, nil
	case "status":
		var e StatusEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode status: %w", err)
		}
		return e, nil
	case "received":
		var e ReceivedEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode received: %w", err)
		}
		return e, nil
	case "open":
		var e OpenEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode open: %w", err)
		}
		return e, nil
	case "activate":
		var e ActivateEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode activate: %w", err)
		}
		return e, nil
	case "match":
		var e MatchEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode match: %w", err)
		}
		return e, nil
	case "done":
		var e DoneEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("coinbase: decode done: %w", err)
		}
		return e, nil
	default:
		return UnknownEvent{Type: envelope.Type}, nil
	}
}
