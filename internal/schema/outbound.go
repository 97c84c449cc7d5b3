package schema

// MessageType is the wire tag of an outbound message.
type MessageType string

const (
	TypeHistoricalCandles MessageType = "historical-candles"
	TypePip               MessageType = "pip"
	TypeCandleData        MessageType = "candleData"
	TypeHealthAlert       MessageType = "healthAlert"
	TypeStatusReport      MessageType = "statusReport"
	TypeShutdown          MessageType = "shutdown"
)

// EventEnvelope reports whether the tag is framed as {"event","data"} rather than {"type","payload"}.
func (t MessageType) EventEnvelope() bool {
	switch t {
	case TypeHistoricalCandles, TypePip:
		return false
	default:
		return true
	}
}

// Payload is implemented by every outbound payload variant.
type Payload interface {
	MessageType() MessageType
}

// HistoricalCandlesPayload forwards one deduplicated preload packet.
type HistoricalCandlesPayload struct {
	Asset     string   `json:"asset"`
	Timeframe int      `json:"timeframe"`
	Candles   []Candle `json:"candles"`
}

// PipPayload forwards one realtime tick.
type PipPayload struct {
	Asset     string  `json:"asset"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
	Sequence  uint64  `json:"sequence"`
}

// CandleDataPayload carries a closed candle.
type CandleDataPayload struct {
	Asset      string           `json:"asset"`
	Time       int64            `json:"time"`
	Open       float64          `json:"open"`
	High       float64          `json:"high"`
	Low        float64          `json:"low"`
	Close      float64          `json:"close"`
	Decision   Decision         `json:"decision"`
	Statistics CandleStatistics `json:"statistics"`
}

// AlertType classifies a health alert.
type AlertType string

const (
	AlertInfo     AlertType = "info"
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
)

// HealthAlertPayload reports a health event downstream.
type HealthAlertPayload struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// StatusReportPayload is a point-in-time view of every component.
type StatusReportPayload struct {
	Timestamp     int64          `json:"timestamp"`
	Session       string         `json:"session"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Reason        string         `json:"reason,omitempty"`
	Components    map[string]any `json:"components"`
}

// ShutdownPayload announces a deliberate stop.
type ShutdownPayload struct {
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

func (HistoricalCandlesPayload) MessageType() MessageType { return TypeHistoricalCandles }
func (PipPayload) MessageType() MessageType               { return TypePip }
func (CandleDataPayload) MessageType() MessageType        { return TypeCandleData }
func (HealthAlertPayload) MessageType() MessageType       { return TypeHealthAlert }
func (StatusReportPayload) MessageType() MessageType      { return TypeStatusReport }
func (ShutdownPayload) MessageType() MessageType          { return TypeShutdown }

// Outbound is one message owned by the delivery queue once enqueued.
type Outbound struct {
	Payload Payload
}

// NewOutbound wraps a payload.
func NewOutbound(p Payload) Outbound { return Outbound{Payload: p} }

// Type returns the wire tag, or "" for an empty message.
func (o Outbound) Type() MessageType {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.MessageType()
}
