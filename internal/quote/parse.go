package quote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

// Frame parse failures. Control and ACK frames from the upstream lack quote
// fields and surface as one of these; callers skip them, never abort.
var (
	ErrMissingSymbol = errors.New("MISSING_SYMBOL")
	ErrMissingPrice  = errors.New("MISSING_PRICE")
)

// Field aliases accepted from the streaming upstream, in preference order.
// The raw KIS tick format uses the condensed Korean-market field names.
var (
	symbolAliases    = []string{"symbol", "fid_input_iscd", "stck_shrn_iscd", "mksc_shrn_iscd", "code"}
	priceAliases     = []string{"price", "stck_prpr", "last_price"}
	changePctAliases = []string{"change_pct", "prdy_ctrt", "chg_rate"}
	turnoverAliases  = []string{"turnover", "acml_tr_pbmn", "acc_trade_value"}
)

// ParseMessage normalizes one raw streaming frame into a QuoteSnapshot.
// The frame must be a JSON object; anything else is a parse error.
func ParseMessage(raw []byte, now int64) (types.QuoteSnapshot, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return types.QuoteSnapshot{}, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return ParseObject(obj, now)
}

// ParseObject normalizes a decoded streaming payload. Nested body.output
// fields take precedence over top-level ones, matching the KIS frame shape
// where the tick data sits inside an envelope.
func ParseObject(raw map[string]any, now int64) (types.QuoteSnapshot, error) {
	normalized := raw
	if body, ok := raw["body"].(map[string]any); ok {
		if output, ok := body["output"].(map[string]any); ok {
			normalized = make(map[string]any, len(raw)+len(output))
			for k, v := range raw {
				normalized[k] = v
			}
			for k, v := range output {
				normalized[k] = v
			}
		}
	}

	symbol := firstString(normalized, symbolAliases)
	if symbol == "" {
		return types.QuoteSnapshot{}, ErrMissingSymbol
	}

	price, ok := firstFloat(normalized, priceAliases)
	if !ok {
		return types.QuoteSnapshot{}, ErrMissingPrice
	}

	ts := now
	if v, ok := toInt64(normalized["ts"]); ok {
		ts = v
	}

	source := types.SourceWS
	if s, ok := normalized["source"].(string); ok && s != "" {
		source = s
	}

	state := types.QuoteHealthy
	if s, ok := normalized["state"].(string); ok && s != "" {
		state = types.QuoteState(s)
	}

	freshness := 0.0
	if v, ok := toFloat(normalized["freshness_sec"]); ok {
		freshness = v
	}

	return types.QuoteSnapshot{
		Symbol:       symbol,
		Price:        price,
		ChangePct:    floatOrDefault(normalized, changePctAliases, 0),
		Turnover:     floatOrDefault(normalized, turnoverAliases, 0),
		Source:       source,
		Ts:           ts,
		FreshnessSec: freshness,
		State:        state,
	}, nil
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstFloat(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return toFloat(v)
		}
	}
	return 0, false
}

func floatOrDefault(m map[string]any, keys []string, def float64) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if f, ok := toFloat(v); ok {
				return f
			}
			return def
		}
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		if x == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
