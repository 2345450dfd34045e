package tws

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/momentum-trader/internal/model"
)

// Inbound message IDs.
const (
	inTickPrice         = 1
	inTickSize          = 2
	inOrderStatus       = 3
	inErrMsg            = 4
	inNextValidID       = 9
	inHistoricalData    = 17
	inTickString        = 46
	inPosition          = 61
	inPositionEnd       = 62
	inAccountSummary    = 63
	inAccountSummaryEnd = 64
	inNewsProviders     = 85
)

// Outbound message IDs.
const (
	outReqMktData        = 1
	outCancelMktData     = 2
	outPlaceOrder        = 3
	outCancelOrder       = 4
	outReqHistoricalData = 20
	outReqPositions      = 61
	outReqAccountSummary = 62
	outStartAPI          = 71
	outReqNewsProviders  = 85
)

const maxFrameSize = 1 << 20

// writeFrame writes a length-prefixed message of null-terminated fields.
func writeFrame(w io.Writer, fields ...string) error {
	var size int
	for _, f := range fields {
		size += len(f) + 1
	}

	buf := make([]byte, 4, 4+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	for _, f := range fields {
		buf = append(buf, f...)
		buf = append(buf, 0)
	}

	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed message and splits it into fields.
func readFrame(r *bufio.Reader) ([]string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	// Fields are null-terminated; drop the trailing empty split.
	fields := strings.Split(string(body), "\x00")
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	return fields, nil
}

type fieldReader struct {
	fields []string
	pos    int
}

func (f *fieldReader) next() string {
	if f.pos >= len(f.fields) {
		return ""
	}
	s := f.fields[f.pos]
	f.pos++
	return s
}

func (f *fieldReader) nextInt() int {
	v, _ := strconv.Atoi(f.next())
	return v
}

func (f *fieldReader) nextInt64() int64 {
	v, _ := strconv.ParseInt(f.next(), 10, 64)
	return v
}

func (f *fieldReader) nextDecimal() decimal.Decimal {
	v, _ := decimal.NewFromString(f.next())
	return v
}

func (f *fieldReader) remaining() int {
	return len(f.fields) - f.pos
}

// decodeFrame translates one inbound frame into zero or more Events.
// Unknown message IDs decode to nil without error.
func decodeFrame(fields []string) ([]Event, error) {
	if len(fields) < 1 {
		return nil, fmt.Errorf("empty frame")
	}

	msgID, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q", fields[0])
	}

	f := &fieldReader{fields: fields[1:]}

	switch msgID {
	case inTickPrice:
		// version, tickerID, tickType, price, size, attribs
		f.next() // version
		reqID := f.nextInt64()
		tickType := f.nextInt()
		price := f.nextDecimal()
		size := f.nextInt64()
		return []Event{{
			Kind:     EventTickPrice,
			ReqID:    reqID,
			TickType: tickType,
			Price:    price,
			Size:     size,
		}}, nil

	case inTickSize:
		// version, tickerID, tickType, size
		f.next() // version
		reqID := f.nextInt64()
		tickType := f.nextInt()
		size := f.nextInt64()
		return []Event{{
			Kind:     EventTickSize,
			ReqID:    reqID,
			TickType: tickType,
			Size:     size,
		}}, nil

	case inTickString:
		// version, tickerID, tickType, value
		f.next() // version
		reqID := f.nextInt64()
		tickType := f.nextInt()
		value := f.next()
		if tickType != TickNews {
			return nil, nil
		}
		article, err := parseNewsTick(value)
		if err != nil {
			return nil, fmt.Errorf("parse news tick: %w", err)
		}
		return []Event{{Kind: EventNewsTick, ReqID: reqID, Article: article}}, nil

	case inOrderStatus:
		// orderID, status, filled, remaining, avgFillPrice, ...
		orderID := f.nextInt64()
		status := f.next()
		filled := f.nextInt64()
		remaining := f.nextInt64()
		avg := f.nextDecimal()
		return []Event{{
			Kind:  EventOrderStatus,
			ReqID: orderID,
			Order: OrderStatusReport{
				OrderID:      orderID,
				Status:       status,
				Filled:       filled,
				Remaining:    remaining,
				AvgFillPrice: avg,
			},
		}}, nil

	case inErrMsg:
		// version, reqID, code, message
		f.next() // version
		reqID := f.nextInt64()
		code := f.nextInt()
		msg := f.next()
		return []Event{{
			Kind:  EventError,
			ReqID: reqID,
			Err:   &APIError{Code: code, ReqID: reqID, Msg: msg},
		}}, nil

	case inNextValidID:
		// version, orderID
		f.next() // version
		return []Event{{Kind: EventNextValidID, OrderID: f.nextInt64()}}, nil

	case inHistoricalData:
		// reqID, startDate, endDate, barCount, then per bar:
		// date, open, high, low, close, volume, wap, count
		reqID := f.nextInt64()
		f.next() // startDate
		f.next() // endDate
		barCount := f.nextInt()

		events := make([]Event, 0, barCount+1)
		var cum int64
		for i := 0; i < barCount && f.remaining() >= 8; i++ {
			ts, _ := time.Parse("20060102 15:04:05", f.next())
			bar := model.Bar{
				Ts:     ts.UTC(),
				Open:   f.nextDecimal(),
				High:   f.nextDecimal(),
				Low:    f.nextDecimal(),
				Close:  f.nextDecimal(),
				Volume: f.nextInt64(),
			}
			f.next() // wap
			f.next() // count
			cum += bar.Volume
			bar.CumVolume = cum
			events = append(events, Event{Kind: EventHistoricalBar, ReqID: reqID, Bar: bar})
		}
		events = append(events, Event{Kind: EventHistoricalBarsEnd, ReqID: reqID})
		return events, nil

	case inPosition:
		// version, account, conID, symbol, secType, expiry, strike, right,
		// multiplier, exchange, currency, localSymbol, tradingClass,
		// position, avgCost
		f.next() // version
		f.next() // account
		f.next() // conID
		symbol := f.next()
		for i := 0; i < 9; i++ {
			f.next() // secType..tradingClass
		}
		qty := f.nextInt64()
		avgCost := f.nextDecimal()
		return []Event{{
			Kind:     EventPosition,
			Position: model.BrokerPosition{Symbol: symbol, Qty: qty, AvgCost: avgCost},
		}}, nil

	case inPositionEnd:
		return []Event{{Kind: EventPositionEnd}}, nil

	case inAccountSummary:
		// version, reqID, account, tag, value, currency
		f.next() // version
		reqID := f.nextInt64()
		f.next() // account
		tag := f.next()
		value := f.next()
		currency := f.next()
		return []Event{{
			Kind:     EventAccountValue,
			ReqID:    reqID,
			Tag:      tag,
			Value:    value,
			Currency: currency,
		}}, nil

	case inAccountSummaryEnd:
		f.next() // version
		return []Event{{Kind: EventAccountSummaryEnd, ReqID: f.nextInt64()}}, nil

	case inNewsProviders:
		// count, then per provider: code, name
		count := f.nextInt()
		providers := make([]string, 0, count)
		for i := 0; i < count && f.remaining() >= 2; i++ {
			providers = append(providers, f.next())
			f.next() // display name
		}
		return []Event{{Kind: EventNewsProviders, Providers: providers}}, nil
	}

	return nil, nil
}

// parseNewsTick decodes a broad-tape news value: semicolon-separated
// "publishedMs;articleID;headline;symbol1,symbol2,...". The symbols hint
// field may be empty.
func parseNewsTick(value string) (model.NewsArticle, error) {
	parts := strings.SplitN(value, ";", 4)
	if len(parts) < 3 {
		return model.NewsArticle{}, fmt.Errorf("malformed news tick %q", value)
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return model.NewsArticle{}, fmt.Errorf("news timestamp %q: %w", parts[0], err)
	}

	article := model.NewsArticle{
		ArticleID:   parts[1],
		Headline:    parts[2],
		PublishedAt: time.UnixMilli(ms).UTC(),
		ReceivedAt:  time.Now().UTC(),
	}
	if i := strings.IndexByte(parts[1], '$'); i > 0 {
		article.ProviderCode = parts[1][:i]
	}
	if len(parts) == 4 && parts[3] != "" {
		for _, s := range strings.Split(parts[3], ",") {
			if s = strings.TrimSpace(s); s != "" {
				article.SymbolsHint = append(article.SymbolsHint, s)
			}
		}
	}
	return article, nil
}
