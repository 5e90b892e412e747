package bybit

import "encoding/json"

// BybitResponse represents a generic response from Bybit's V5 REST API.
type BybitResponse struct {
	RetCode    int                    `json:"retCode"`    // 0 means success; non-zero indicates an error code
	RetMsg     string                 `json:"retMsg"`     // Human-readable message describing the result or error
	Result     json.RawMessage        `json:"result"`     // Delay decoding; payload varies per endpoint
	RetExtInfo map[string]interface{} `json:"retExtInfo"` // Optional extra info (e.g. rate limits, error hints)
	Time       int64                  `json:"time"`       // Server timestamp (in milliseconds since epoch)
}

type InstrumentListResponse struct {
	Category       string `json:"category"` // e.g., "linear", "spot"
	NextPageCursor string `json:"nextPageCursor"`
	List           []struct {
		Symbol    string `json:"symbol"`    // e.g., "BTCUSDT"
		BaseCoin  string `json:"baseCoin"`  // e.g., "BTC"
		QuoteCoin string `json:"quoteCoin"` // e.g., "USDT"
	} `json:"list"`
}

// KlinesResponse lists rows of [start, open, high, low, close, volume, turnover], newest first.
type KlinesResponse struct {
	Category       string     `json:"category"`
	Symbol         string     `json:"symbol"`
	NextPageCursor string     `json:"nextPageCursor"`
	List           [][]string `json:"list"`
}

// Kline is one candlestick of the public kline stream.
type Kline struct {
	Start     int64  `json:"start"`     // Start time of the kline (in milliseconds since epoch)
	End       int64  `json:"end"`       // End time of the kline (in milliseconds since epoch)
	Interval  string `json:"interval"`  // e.g., "1", "30", "D"
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Turnover  string `json:"turnover"`
	Confirm   bool   `json:"confirm"`   // true once the interval has closed
	Timestamp int64  `json:"timestamp"` // Time when the event was generated (in milliseconds since epoch)
}

// KlineMessage is a push from the public stream, e.g. topic "kline.30.BTCUSDT".
type KlineMessage struct {
	Topic string  `json:"topic"`
	Data  []Kline `json:"data"`
	Ts    int64   `json:"ts"`
	Type  string  `json:"type"` // "snapshot" or "delta"
}

// opRequest is a control message such as subscribe, unsubscribe or ping.
type opRequest struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// opResponse acknowledges an opRequest.
type opResponse struct {
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Op      string `json:"op"`
	ConnID  string `json:"conn_id"`
}
