package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/utils"
)

// DepthSide selects which side of the book a watcher streams.
type DepthSide string

const (
	BuyDepth  DepthSide = "buyDepth"
	SellDepth DepthSide = "sellDepth"
)

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// DepthWatcher interface for market depth monitoring
type DepthWatcher interface {
	IsConnected() bool
	Health() error
	Close()
	Start(ctx context.Context) error
}

// depthEntry is one price level in a Wallex depth broadcast. Price arrives as
// either a string or a number depending on the channel.
type depthEntry struct {
	Quantity float64 `json:"quantity"`
	Price    string  `json:"price"`
}

func (e *depthEntry) UnmarshalJSON(data []byte) error {
	var temp struct {
		Quantity float64     `json:"quantity"`
		Price    interface{} `json:"price"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	e.Quantity = temp.Quantity
	switch v := temp.Price.(type) {
	case string:
		e.Price = v
	case float64:
		e.Price = fmt.Sprintf("%.8f", v)
	case int:
		e.Price = fmt.Sprintf("%d", v)
	default:
		e.Price = fmt.Sprintf("%v", v)
	}
	return nil
}

// WallexDepthWatcher streams one side of one pair's book over the Wallex
// socket.io endpoint and hands each snapshot to the OnDepth callback as a
// sorted offer list. The callback runs on the watcher goroutine; receivers
// must hand off to their own thread.
type WallexDepthWatcher struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	symbol  string
	side    DepthSide
	onDepth func(symbol string, side DepthSide, offers []market.Offer)

	mu        sync.RWMutex
	closed    bool
	healthErr error
	connState ConnectionState
	lastPing  time.Time
	lastPong  time.Time
}

func NewWallexDepthWatcher(symbol string, side DepthSide, onDepth func(symbol string, side DepthSide, offers []market.Offer)) DepthWatcher {
	return &WallexDepthWatcher{
		symbol:    symbol,
		side:      side,
		onDepth:   onDepth,
		connState: Disconnected,
	}
}

// IsConnected returns true if the websocket is currently connected
func (w *WallexDepthWatcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connState == Connected
}

// Health returns the last health error (if any)
func (w *WallexDepthWatcher) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

// Close closes the websocket connection and cancels the context
func (w *WallexDepthWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if w.conn != nil {
			w.conn.Close()
		}
		if w.cancel != nil {
			w.cancel()
		}
		w.closed = true
		w.connState = Disconnected
		w.logState("Closed connection for %s@%s", w.symbol, w.side)
	}
}

func (w *WallexDepthWatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(ctx)
	return nil
}

func (w *WallexDepthWatcher) run(ctx context.Context) {
	retryDelay := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logState("Context cancelled, stopping depth watcher")
			return
		default:
			if err := w.connectAndStream(ctx); err != nil {
				w.setHealthErr(err)
				w.setConnState(Reconnecting)
				w.logState("Disconnected, retrying in %v: %v", retryDelay, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				if retryDelay < 60*time.Second {
					retryDelay *= 2
				} else {
					retryDelay = 60 * time.Second
				}
				continue
			}
			return
		}
	}
}

func (w *WallexDepthWatcher) connectAndStream(ctx context.Context) error {
	w.setConnState(Connecting)
	w.setHealthErr(nil)

	u := url.URL{Scheme: "wss", Host: "api.wallex.ir", Path: "/socket.io/"}
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	w.setConn(c)
	w.setConnState(Connected)
	w.setLastPing(time.Now())
	w.setLastPong(time.Now())
	w.logState("Connection established for %s@%s", w.symbol, w.side)
	defer func() {
		c.Close()
		w.setConn(nil)
		w.setConnState(Disconnected)
	}()

	// Socket.IO handshake
	c.WriteMessage(websocket.TextMessage, []byte("40"))

	channelName := fmt.Sprintf("%s@%s", NormalizeSymbol(w.symbol), w.side)
	w.subscribe(c, channelName)

	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	handshakeComplete := false

	c.SetPongHandler(func(appData string) error {
		w.setLastPong(time.Now())
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
				w.setLastPing(time.Now())
			}
		default:
			c.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, message, err := c.ReadMessage()
			if err != nil {
				return err
			}
			msgStr := string(message)
			if msgStr == "2" {
				c.WriteMessage(websocket.TextMessage, []byte("3"))
				continue
			}
			if msgStr == "40" && !handshakeComplete {
				handshakeComplete = true
				w.subscribe(c, channelName)
				w.logState("Resubscribed to %s", channelName)
				continue
			}
			if len(msgStr) >= 2 && msgStr[:2] == "42" {
				var eventArray []interface{}
				if err := json.Unmarshal([]byte(msgStr[2:]), &eventArray); err != nil {
					continue
				}
				if len(eventArray) >= 3 {
					eventName, _ := eventArray[0].(string)
					channel, _ := eventArray[1].(string)
					if eventName == "Broadcaster" && channel == channelName {
						dataJSON, _ := json.Marshal(eventArray[2])
						offers, err := parseDepth(dataJSON, w.side)
						if err != nil {
							w.logState("Failed to parse order book data: %v", err)
							continue
						}
						if w.onDepth != nil {
							w.onDepth(w.symbol, w.side, offers)
						}
					}
				}
			}
		}
	}
}

func (w *WallexDepthWatcher) subscribe(c *websocket.Conn, channelName string) {
	subscribeMsg := map[string]string{"channel": channelName}
	subscribeJSON, _ := json.Marshal(subscribeMsg)
	socketIOMsg := fmt.Sprintf(`42["subscribe",%s]`, string(subscribeJSON))
	c.WriteMessage(websocket.TextMessage, []byte(socketIOMsg))
}

// parseDepth converts a depth broadcast into offers sorted for the book side:
// buyDepth descending, sellDepth ascending.
func parseDepth(data []byte, side DepthSide) ([]market.Offer, error) {
	var levels map[string]depthEntry
	if err := json.Unmarshal(data, &levels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order book: %w", err)
	}

	offers := make([]market.Offer, 0, len(levels))
	for _, e := range levels {
		price, err := strconv.ParseFloat(e.Price, 64)
		if err != nil || price <= 0 || e.Quantity <= 0 {
			continue
		}
		offers = append(offers, market.Offer{Price: price, Volume: e.Quantity})
	}

	if side == BuyDepth {
		sort.Slice(offers, func(i, j int) bool { return offers[i].Price > offers[j].Price })
	} else {
		sort.Slice(offers, func(i, j int) bool { return offers[i].Price < offers[j].Price })
	}
	return offers, nil
}

func (w *WallexDepthWatcher) setConn(c *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = c
}

func (w *WallexDepthWatcher) setConnState(state ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connState = state
}

func (w *WallexDepthWatcher) setHealthErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthErr = err
}

func (w *WallexDepthWatcher) setLastPing(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPing = t
}

func (w *WallexDepthWatcher) setLastPong(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPong = t
}

func (w *WallexDepthWatcher) logState(format string, args ...interface{}) {
	utils.GetLogger().Printf("WallexDepthWatcher | "+format, args...)
}
