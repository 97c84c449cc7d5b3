// Package decoder turns raw venue frames into typed preload and tick events.
package decoder

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/schema"
)

// HistoricalEventName is the socket.io event that carries preload packets.
const HistoricalEventName = "candles-generated"

// Event is the result of decoding one frame: Historical, Ticks or Unrecognized.
type Event interface {
	event()
}

// Historical is a preload packet.
type Historical struct {
	Packet schema.HistoricalPacket
}

// Ticks carries one or more realtime ticks decoded from a single frame.
type Ticks struct {
	Ticks []schema.Tick
}

// Unrecognized marks a frame that produced nothing; Reason says why.
type Unrecognized struct {
	Reason MissReason
}

func (Historical) event()   {}
func (Ticks) event()        {}
func (Unrecognized) event() {}

// MissReason classifies decode misses.
type MissReason uint8

const (
	MissEmpty MissReason = iota
	MissSyntax
	MissShape
	MissCoercion
	MissPanic
	missReasonCount
)

var missReasonNames = [missReasonCount]string{"empty", "syntax", "shape", "coercion", "panic"}

func (r MissReason) String() string {
	if r < missReasonCount {
		return missReasonNames[r]
	}
	return "unknown"
}

// Malformed reports whether the miss points at a broken frame rather than an irrelevant one.
func (r MissReason) Malformed() bool {
	return r == MissSyntax || r == MissCoercion || r == MissPanic
}

// Stats is a snapshot of decoder counters.
type Stats struct {
	Frames     uint64            `json:"frames"`
	Historical uint64            `json:"historical"`
	Ticks      uint64            `json:"ticks"`
	Misses     uint64            `json:"misses"`
	ByReason   map[string]uint64 `json:"missesByReason"`
}

// Decoder is stateless apart from its counters and safe for concurrent use.
type Decoder struct {
	frames     atomic.Uint64
	historical atomic.Uint64
	ticks      atomic.Uint64
	misses     [missReasonCount]atomic.Uint64

	metrics *decoderMetrics
}

// New constructs a decoder.
func New() *Decoder {
	return &Decoder{metrics: newDecoderMetrics()}
}

// Decode classifies one frame. It never panics; every failure is an Unrecognized event.
func (d *Decoder) Decode(frame driver.Frame) (evt Event) {
	d.frames.Add(1)
	defer func() {
		if r := recover(); r != nil {
			evt = d.miss(MissPanic)
		}
	}()

	payload := stripControlPrefix(frame)
	if len(payload) == 0 {
		return d.miss(MissEmpty)
	}
	payload, framed := stripPacketPrefix(payload)
	if len(payload) == 0 {
		return d.miss(MissShape)
	}

	value, ok := parse(payload)
	if !ok {
		return d.miss(MissSyntax)
	}
	if framed {
		value = unwrapEvent(value)
	}

	switch v := value.(type) {
	case map[string]any:
		if isHistorical(v) {
			packet, ok := toHistorical(v)
			if !ok {
				return d.miss(MissCoercion)
			}
			d.historical.Add(1)
			d.metrics.recordDecoded("historical")
			return Historical{Packet: packet}
		}
		if row, ok := v["0"].([]any); ok && len(row) >= 3 {
			return d.tickRows([]any{row})
		}
	case []any:
		if len(v) > 0 {
			if first, ok := v[0].([]any); ok && len(first) >= 3 {
				return d.tickRows(v)
			}
		}
	}
	return d.miss(MissShape)
}

// Misses returns the total number of frames that produced no event.
func (d *Decoder) Misses() uint64 {
	var total uint64
	for i := range d.misses {
		total += d.misses[i].Load()
	}
	return total
}

// Stats returns a counter snapshot.
func (d *Decoder) Stats() Stats {
	byReason := make(map[string]uint64, missReasonCount)
	for i := range d.misses {
		if n := d.misses[i].Load(); n > 0 {
			byReason[MissReason(i).String()] = n
		}
	}
	return Stats{
		Frames:     d.frames.Load(),
		Historical: d.historical.Load(),
		Ticks:      d.ticks.Load(),
		Misses:     d.Misses(),
		ByReason:   byReason,
	}
}

func (d *Decoder) miss(reason MissReason) Event {
	d.misses[reason].Add(1)
	d.metrics.recordMiss(reason)
	return Unrecognized{Reason: reason}
}

func (d *Decoder) tickRows(rows []any) Event {
	ticks := make([]schema.Tick, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.([]any)
		if !ok || len(row) < 3 {
			continue
		}
		tick, ok := toTick(row)
		if !ok {
			return d.miss(MissCoercion)
		}
		ticks = append(ticks, tick)
	}
	if len(ticks) == 0 {
		return d.miss(MissShape)
	}
	d.ticks.Add(uint64(len(ticks)))
	d.metrics.recordDecoded("tick")
	return Ticks{Ticks: ticks}
}

// stripControlPrefix drops the single leading control byte carried by binary socket frames.
func stripControlPrefix(frame driver.Frame) []byte {
	data := frame.Data
	if len(data) == 0 {
		return nil
	}
	first := data[0]
	if first < 0x20 || (frame.Binary && first != '[' && first != '{') {
		return data[1:]
	}
	return data
}

// stripPacketPrefix removes a socket.io packet type prefix such as "42" or "451-".
func stripPacketPrefix(data []byte) ([]byte, bool) {
	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i == 0 {
		return data, false
	}
	if i < len(data) && data[i] == '-' {
		i++
	}
	return data[i:], true
}

// unwrapEvent returns data from a ["event", data] envelope and leaves other values untouched.
func unwrapEvent(value any) any {
	arr, ok := value.([]any)
	if !ok || len(arr) < 2 {
		return value
	}
	if _, named := arr[0].(string); !named {
		return value
	}
	return arr[1]
}

func parse(data []byte) (any, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || (data[0] != '{' && data[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	return value, true
}

func isHistorical(obj map[string]any) bool {
	for _, key := range [...]string{"period", "asset", "history", "candles"} {
		if v, ok := obj[key]; !ok || v == nil {
			return false
		}
	}
	return true
}

func toHistorical(obj map[string]any) (schema.HistoricalPacket, bool) {
	asset, ok := toAsset(obj["asset"])
	if !ok {
		return schema.HistoricalPacket{}, false
	}
	period, ok := toInt(obj["period"])
	if !ok || period <= 0 {
		return schema.HistoricalPacket{}, false
	}
	history, ok := obj["history"].([]any)
	if !ok {
		return schema.HistoricalPacket{}, false
	}
	rawCandles, ok := obj["candles"].([]any)
	if !ok {
		return schema.HistoricalPacket{}, false
	}

	packet := schema.HistoricalPacket{
		Asset:            asset,
		TimeframeSeconds: int(period),
		Candles:          make([]schema.Candle, 0, len(rawCandles)),
		ResumePips:       make([]schema.Tick, 0, len(history)),
	}
	for _, raw := range history {
		row, ok := raw.([]any)
		if !ok || len(row) < 2 {
			return schema.HistoricalPacket{}, false
		}
		ts, okT := toInt(row[0])
		price, okP := toFloat(row[1])
		if !okT || !okP {
			return schema.HistoricalPacket{}, false
		}
		packet.ResumePips = append(packet.ResumePips, schema.Tick{Asset: asset, Price: price, TimestampMs: ts})
	}
	for _, raw := range rawCandles {
		candle, ok := toCandle(raw)
		if !ok {
			return schema.HistoricalPacket{}, false
		}
		packet.Candles = append(packet.Candles, candle)
	}
	return packet, true
}

// toCandle maps a [time, open, close, high, low, volume] row. Volume may be absent.
func toCandle(raw any) (schema.Candle, bool) {
	row, ok := raw.([]any)
	if !ok || len(row) < 5 {
		return schema.Candle{}, false
	}
	var c schema.Candle
	var okT, okO, okC, okH, okL bool
	c.OpenTime, okT = toInt(row[0])
	c.Open, okO = toFloat(row[1])
	c.Close, okC = toFloat(row[2])
	c.High, okH = toFloat(row[3])
	c.Low, okL = toFloat(row[4])
	if !(okT && okO && okC && okH && okL) {
		return schema.Candle{}, false
	}
	if len(row) > 5 && row[5] != nil {
		vol, ok := toFloat(row[5])
		if !ok {
			return schema.Candle{}, false
		}
		c.Volume = vol
	}
	return c, true
}

func toTick(row []any) (schema.Tick, bool) {
	asset, okA := toAsset(row[0])
	ts, okT := toInt(row[1])
	price, okP := toFloat(row[2])
	if !(okA && okT && okP) {
		return schema.Tick{}, false
	}
	return schema.Tick{Asset: asset, Price: price, TimestampMs: ts}, true
}

func toAsset(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// toFloat coerces a JSON number or numeric string. NaN and infinities are
// coercion failures.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return 0, false
		}
	case float64:
		f = t
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(t), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		f, ok := toFloat(t)
		return int64(f), ok
	case float64:
		f, ok := toFloat(t)
		return int64(f), ok
	case string:
		trimmed := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i, true
		}
		f, ok := toFloat(trimmed)
		return int64(f), ok
	default:
		return 0, false
	}
}
