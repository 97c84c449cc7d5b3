// Package schema defines the market, outbound and control message types exchanged by tickrelay.
package schema

// Tick is one real-time price observation for an asset.
type Tick struct {
	Asset       string
	Price       float64
	TimestampMs int64
	// SequenceInAsset stays zero here; the delivery queue numbers the outbound
	// PipPayload.Sequence instead.
	SequenceInAsset uint64
}

// Candle is one OHLC bar as delivered by the venue's history feed.
type Candle struct {
	OpenTime int64   `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// HistoricalPacket is a preload batch for one asset and timeframe.
type HistoricalPacket struct {
	Asset            string
	TimeframeSeconds int
	Candles          []Candle
	ResumePips       []Tick
}

// Decision classifies a closed candle.
type Decision string

const (
	DecisionUp   Decision = "up"
	DecisionDown Decision = "down"
)

// CandleStatistics summarises the tick flow behind a closed candle.
type CandleStatistics struct {
	TotalTicks   uint64  `json:"totalTicks"`
	ValidTicks   uint64  `json:"validTicks"`
	InvalidTicks uint64  `json:"invalidTicks"`
	SuccessRate  float64 `json:"successRate"`
	Volatility   float64 `json:"volatility"`
	Range        float64 `json:"range"`
	LastUpdate   int64   `json:"lastUpdate"`
}
