package upstox

// ChainResponse is the option chain endpoint payload.
type ChainResponse struct {
	Status string        `json:"status"`
	Data   []StrikeEntry `json:"data"`
}

// StrikeEntry is one strike of the option chain. Either leg may be absent.
type StrikeEntry struct {
	Expiry              string     `json:"expiry"`
	PCR                 float64    `json:"pcr"`
	StrikePrice         float64    `json:"strike_price"`
	UnderlyingKey       string     `json:"underlying_key"`
	UnderlyingSpotPrice float64    `json:"underlying_spot_price"`
	CallOptions         *OptionLeg `json:"call_options"`
	PutOptions          *OptionLeg `json:"put_options"`
}

// OptionLeg is the call or put half of a strike entry.
type OptionLeg struct {
	InstrumentKey string        `json:"instrument_key"`
	MarketData    *MarketData   `json:"market_data"`
	OptionGreeks  *OptionGreeks `json:"option_greeks"`
}

// MarketData holds traded values of one leg. Missing fields decode as 0.
type MarketData struct {
	LTP        float64 `json:"ltp"`
	ClosePrice float64 `json:"close_price"`
	Volume     float64 `json:"volume"`
	OI         float64 `json:"oi"`
	BidPrice   float64 `json:"bid_price"`
	BidQty     float64 `json:"bid_qty"`
	AskPrice   float64 `json:"ask_price"`
	AskQty     float64 `json:"ask_qty"`
	PrevOI     float64 `json:"prev_oi"`
}

// OptionGreeks holds the greeks of one leg. Missing fields decode as 0.
type OptionGreeks struct {
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Gamma float64 `json:"gamma"`
	Delta float64 `json:"delta"`
	IV    float64 `json:"iv"`
	POP   float64 `json:"pop"`
}

// Market returns the leg's market data, or a zero value when the leg or its
// market data is missing.
func (l *OptionLeg) Market() MarketData {
	if l == nil || l.MarketData == nil {
		return MarketData{}
	}
	return *l.MarketData
}

// Greeks returns the leg's greeks, or a zero value when missing.
func (l *OptionLeg) Greeks() OptionGreeks {
	if l == nil || l.OptionGreeks == nil {
		return OptionGreeks{}
	}
	return *l.OptionGreeks
}

// SpotPrice returns the underlying spot price reported with the chain,
// taken from the first entry that carries one.
func (r *ChainResponse) SpotPrice() float64 {
	for _, e := range r.Data {
		if e.UnderlyingSpotPrice != 0 {
			return e.UnderlyingSpotPrice
		}
	}
	return 0
}

// ContractResponse is the option contract listing payload.
type ContractResponse struct {
	Status string     `json:"status"`
	Data   []Contract `json:"data"`
}

// Contract is one listed option contract.
type Contract struct {
	Name             string  `json:"name"`
	Segment          string  `json:"segment"`
	Exchange         string  `json:"exchange"`
	Expiry           string  `json:"expiry"`
	InstrumentKey    string  `json:"instrument_key"`
	TradingSymbol    string  `json:"trading_symbol"`
	StrikePrice      float64 `json:"strike_price"`
	InstrumentType   string  `json:"instrument_type"`
	LotSize          int     `json:"lot_size"`
	UnderlyingKey    string  `json:"underlying_key"`
	UnderlyingSymbol string  `json:"underlying_symbol"`
}
