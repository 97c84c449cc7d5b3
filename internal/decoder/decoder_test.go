package decoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickrelay/internal/driver"
	"github.com/coachpo/tickrelay/internal/schema"
)

func text(s string) driver.Frame   { return driver.Frame{Data: []byte(s)} }
func binary(s string) driver.Frame { return driver.Frame{Data: []byte(s), Binary: true} }

func TestDecodeHistoricalScenario(t *testing.T) {
	d := New()
	evt := d.Decode(text(`{"period":60,"asset":"EURUSD_otc","history":[[1751301600,1.0875]],"candles":[[1751301600,1.0875,1.0880,1.0890,1.0870,12]]}`))

	hist, ok := evt.(Historical)
	require.True(t, ok, "expected Historical, got %T", evt)
	require.Equal(t, "EURUSD_otc", hist.Packet.Asset)
	require.Equal(t, 60, hist.Packet.TimeframeSeconds)
	require.Equal(t, []schema.Candle{{
		OpenTime: 1751301600,
		Open:     1.0875,
		Close:    1.0880,
		High:     1.0890,
		Low:      1.0870,
		Volume:   12,
	}}, hist.Packet.Candles)
	require.Equal(t, []schema.Tick{{Asset: "EURUSD_otc", Price: 1.0875, TimestampMs: 1751301600}}, hist.Packet.ResumePips)
	require.Zero(t, d.Misses())
}

func TestDecodeBinaryTickScenario(t *testing.T) {
	d := New()
	evt := d.Decode(binary("\x00{\"0\":[\"AUDCAD_otc\",1751301600000,1.3321]}"))

	ticks, ok := evt.(Ticks)
	require.True(t, ok, "expected Ticks, got %T", evt)
	require.Equal(t, []schema.Tick{{Asset: "AUDCAD_otc", Price: 1.3321, TimestampMs: 1751301600000}}, ticks.Ticks)
}

func TestDecodeArrayOfArrayTicks(t *testing.T) {
	d := New()
	evt := d.Decode(binary("\x04[[\"AUDCAD_otc\",1751301600000,1.3321,7],[\"EURUSD_otc\",\"1751301600001\",\"1.0875\"]]"))

	ticks, ok := evt.(Ticks)
	require.True(t, ok, "expected Ticks, got %T", evt)
	require.Len(t, ticks.Ticks, 2)
	require.Equal(t, schema.Tick{Asset: "AUDCAD_otc", Price: 1.3321, TimestampMs: 1751301600000}, ticks.Ticks[0])
	require.Equal(t, schema.Tick{Asset: "EURUSD_otc", Price: 1.0875, TimestampMs: 1751301600001}, ticks.Ticks[1])
	require.Equal(t, uint64(2), d.Stats().Ticks)
}

func TestDecodeSocketIOHistoricalEvent(t *testing.T) {
	d := New()
	evt := d.Decode(text(`42["candles-generated",{"period":300,"asset":"GBPUSD_otc","history":[],"candles":[[1,2,3,4,1]]}]`))

	hist, ok := evt.(Historical)
	require.True(t, ok, "expected Historical, got %T", evt)
	require.Equal(t, 300, hist.Packet.TimeframeSeconds)
	require.Equal(t, schema.Candle{OpenTime: 1, Open: 2, Close: 3, High: 4, Low: 1}, hist.Packet.Candles[0])
}

func TestDecodeMisses(t *testing.T) {
	cases := map[string]struct {
		frame  driver.Frame
		reason MissReason
	}{
		"empty":            {frame: text(""), reason: MissEmpty},
		"ping":             {frame: text("2"), reason: MissShape},
		"syntax":           {frame: text(`{"period":`), reason: MissSyntax},
		"not json":         {frame: text("hello"), reason: MissSyntax},
		"null field":       {frame: text(`{"period":60,"asset":"X","history":null,"candles":[]}`), reason: MissShape},
		"missing field":    {frame: text(`{"period":60,"asset":"X","history":[]}`), reason: MissShape},
		"short row":        {frame: binary("\x04[[\"X\",1]]"), reason: MissShape},
		"bad price":        {frame: binary("\x04[[\"X\",1,\"abc\"]]"), reason: MissCoercion},
		"bad asset":        {frame: binary("\x04[[null,1,2]]"), reason: MissCoercion},
		"bad period":       {frame: text(`{"period":"x","asset":"X","history":[],"candles":[]}`), reason: MissCoercion},
		"bad candle":       {frame: text(`{"period":60,"asset":"X","history":[],"candles":[[1,2]]}`), reason: MissCoercion},
		"nan candle":       {frame: text(`{"period":60,"asset":"X","history":[],"candles":[[1,"NaN",3,4,1]]}`), reason: MissCoercion},
		"inf candle time":  {frame: text(`{"period":60,"asset":"X","history":[],"candles":[["Infinity",2,3,4,1]]}`), reason: MissCoercion},
		"inf price":        {frame: binary("\x04[[\"X\",1,\"-Inf\"]]"), reason: MissCoercion},
		"other event":      {frame: text(`42["s_balance/list",{"demo":1}]`), reason: MissShape},
		"scalar array":     {frame: text(`[1,2,3]`), reason: MissShape},
		"control only":     {frame: binary("\x04"), reason: MissEmpty},
		"placeholder bin":  {frame: text(`451-["candles-generated",{"_placeholder":true,"num":0}]`), reason: MissShape},
		"prefix only text": {frame: text("40"), reason: MissShape},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := New()
			evt := d.Decode(tc.frame)
			miss, ok := evt.(Unrecognized)
			require.True(t, ok, "expected Unrecognized, got %T", evt)
			require.Equal(t, tc.reason, miss.Reason)
			require.Equal(t, uint64(1), d.Misses())
			require.Equal(t, uint64(1), d.Stats().ByReason[tc.reason.String()])
		})
	}
}

func TestMissReasonMalformed(t *testing.T) {
	require.True(t, MissSyntax.Malformed())
	require.True(t, MissCoercion.Malformed())
	require.False(t, MissShape.Malformed())
	require.False(t, MissEmpty.Malformed())
}
