package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psryland/coinflip-core/internal/config"
	"github.com/psryland/coinflip-core/internal/db"
	"github.com/psryland/coinflip-core/internal/db/conf"
	"github.com/psryland/coinflip-core/internal/exchange"
	"github.com/psryland/coinflip-core/internal/instrument"
	"github.com/psryland/coinflip-core/internal/journal"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/model"
	"github.com/psryland/coinflip-core/internal/notifier"
	"github.com/psryland/coinflip-core/internal/scanner"
)

// orderStatusChecker periodically checks the status of open orders
// and updates the database accordingly
func orderStatusChecker(ctx context.Context, storage db.Storage, ex exchange.Exchange, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	log.Println("Starting order status checker")

	for {
		select {
		case <-ctx.Done():
			log.Println("Order status checker stopped")
			return
		case <-ticker.C:
			orders, err := storage.GetOpenOrders(ctx)
			if err != nil {
				log.Printf("Failed to fetch open orders: %v", err)
				continue
			}
			if len(orders) == 0 {
				continue
			}

			log.Printf("Checking status of %d open orders", len(orders))

			for _, o := range orders {
				orderResp, err := ex.GetOrderStatus(ctx, o.OrderID)
				if err != nil {
					log.Printf("Error fetching order status for %s: %v", o.OrderID, err)
					continue
				}

				switch orderResp.Status {
				case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
					log.Printf("Order %s %s", o.OrderID, orderResp.Status)
					storage.LogEvent(ctx, journal.Event{
						Time:        time.Now(),
						Type:        "order",
						Description: "status_check_order_closed",
						Data:        map[string]any{"order": orderResp},
					})
					if err := storage.CloseOrder(ctx, o.OrderID); err != nil {
						log.Printf("Failed to close order %s: %v", o.OrderID, err)
					}
				}
			}
		}
	}
}

// bookPoller refreshes a pair's order books at the tick interval when depth
// streaming is disabled.
func bookPoller(ctx context.Context, m *model.Model, ex exchange.Exchange, pairName string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bids, asks, err := ex.FetchOrderBook(ctx, pairName)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("Order book poll for %s failed: %v", pairName, err)
				}
				continue
			}
			m.ReplaceBooks(pairName, ex.Name(), bids, asks)
		}
	}
}

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	log.Println("Starting coinflip-core in mode:", cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down", sig)
		cancel()
	}()

	// Notifications
	var notif notifier.Notifier = notifier.Null{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notif = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	// Storage
	var storage db.Storage
	if cfg.Mode == "sim" || cfg.DBConnStr == "" {
		storage = db.NewMemory()
	} else {
		dbConf, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		pg, err := db.New(*dbConf)
		if err != nil {
			log.Fatalf("Failed to create storage: %v", err)
		}
		if err := pg.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to init schema: %v", err)
		}
		storage = pg
	}
	for _, tf := range cfg.Timeframes {
		if err := storage.CreateTable(ctx, tf); err != nil {
			log.Fatalf("Failed to create candle table for %s: %v", tf, err)
		}
	}

	// Exchange
	var ex exchange.Exchange
	if cfg.Mode == "sim" {
		ex = exchange.NewSimExchange()
	} else {
		ex = exchange.NewWallexExchange(cfg.WallexAPIKey, cfg.Fee, notif)
	}

	// Model and scanner
	m := model.New([]exchange.Exchange{ex}, cfg.Coins)
	m.TickInterval = cfg.TickInterval
	scan := scanner.New(storage, notif, cfg.ProbeVolume, cfg.MinProfit)
	m.OnEvaluate = func(mm *model.Model) {
		findings := scan.Scan(ctx, mm)
		// Nothing downstream acts on findings yet; release the holds so the
		// next scan starts from a clean balance.
		scan.ReleaseAll(mm, findings)
	}

	// Discover the pair universe up front so instruments and book feeds can
	// be wired before the loop starts.
	_, pairs, err := ex.FetchPairs(ctx, cfg.Coins)
	if err != nil {
		log.Fatalf("Failed to fetch pairs: %v", err)
	}
	log.Printf("Tracking %d pairs on %s", len(pairs), ex.Name())

	var watchers []exchange.DepthWatcher
	for _, p := range pairs {
		for _, tf := range cfg.Timeframes {
			in := instrument.New(p.Name(), tf, storage, ex)
			in.WindowCapacity = cfg.WindowCapacity
			in.PollInterval = cfg.PollInterval
			m.AddInstrument(in)
			in.StartRefresh(ctx)
		}

		if cfg.DepthWatch && cfg.Mode == "live" {
			pairName := p.Name()
			onDepth := func(symbol string, side exchange.DepthSide, offers []market.Offer) {
				m.Post(func(inner *model.Model) {
					pair := inner.Pair(symbol, ex.Name())
					if pair == nil {
						return
					}
					var err error
					if side == exchange.BuyDepth {
						err = pair.OrderBook(market.B2Q).ReplaceAll(offers)
					} else {
						err = pair.OrderBook(market.Q2B).ReplaceAll(offers)
					}
					if err != nil {
						log.Printf("Depth update for %s rejected: %v", symbol, err)
					}
				})
			}
			for _, side := range []exchange.DepthSide{exchange.BuyDepth, exchange.SellDepth} {
				w := exchange.NewWallexDepthWatcher(pairName, side, onDepth)
				if err := w.Start(ctx); err != nil {
					log.Printf("Failed to start depth watcher for %s@%s: %v", pairName, side, err)
					continue
				}
				watchers = append(watchers, w)
			}
		} else {
			go bookPoller(ctx, m, ex, p.Name(), cfg.TickInterval)
		}
	}

	go orderStatusChecker(ctx, storage, ex, 30*time.Second)

	go m.Run(ctx)

	<-ctx.Done()

	for _, w := range watchers {
		w.Close()
	}
	m.WaitStopped()
	log.Println("Shutdown complete")
}
