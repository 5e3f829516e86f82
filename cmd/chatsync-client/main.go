// chatsync-client runs the sync engine against a chatsyncd relay: history
// over the REST API, realtime over the websocket bridge or redis. Stdin
// lines are sent to the focused conversation; incoming activity is printed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"chatsync/pkg/config"
	"chatsync/pkg/engine"
	"chatsync/pkg/logger"
	"chatsync/pkg/persist/httpapi"
	"chatsync/pkg/proximity"
	"chatsync/pkg/transport"
	"chatsync/pkg/transport/redistream"
	"chatsync/pkg/transport/wsbridge"
)

func main() {
	_ = godotenv.Load(".env")

	cfgPath := flag.String("config", "./config.yaml", "Path to config file")
	self := flag.String("self", "", "Local user id (overrides config)")
	conv := flag.String("conv", "", "Conversation id to focus")
	peer := flag.String("peer", "", "Remote participant id of the focused conversation")
	flag.Parse()

	cfg, err := config.LoadEffective(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *self != "" {
		cfg.Engine.SelfID = *self
	}
	if cfg.Engine.SelfID == "" {
		log.Fatal("self id required (-self or engine.self_id)")
	}
	logger.InitWithLevel(cfg.Logging.Level)

	var tr transport.Transport
	switch cfg.Transport.Mode {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		})
		tr = redistream.New(rdb, cfg.Transport.Redis.PresenceTTL.Duration())
	default:
		tr = &wsbridge.Client{URL: fmt.Sprintf("ws://%s:%d/realtime", cfg.Server.Address, cfg.Server.Port+1)}
	}

	store := httpapi.New("http://"+cfg.Addr(), cfg.Engine.SelfID)

	e, err := engine.New(engine.Options{
		Transport:    tr,
		Persist:      store,
		Proximity:    proximity.StaticService(true),
		SelfID:       cfg.Engine.SelfID,
		PageSize:     cfg.Engine.PageSize,
		DetailWindow: cfg.Engine.DetailWindow.Duration(),
		ThreadWindow: cfg.Engine.ThreadWindow.Duration(),
		RefetchDelay: cfg.Engine.RefetchDelay.Duration(),
		Backoff: engine.BackoffConfig{
			Base:       cfg.Channel.BackoffBase.Duration(),
			Cap:        cfg.Channel.BackoffCap.Duration(),
			MaxRetries: cfg.Channel.MaxRetries,
		},
		TypingRPS:    cfg.Engine.TypingRPS,
		TypingBurst:  cfg.Engine.TypingBurst,
		MaxBodyBytes: cfg.Engine.MaxBodyBytes.Int64(),
		RecheckCron:  cfg.Proximity.RecheckCron,
	})
	if err != nil {
		logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		logger.Error("engine_start_failed", "error", err)
		os.Exit(1)
	}

	if *conv != "" && *peer != "" {
		store.SetRecipient(*conv, *peer)
		if err := e.Focus(ctx, *conv, *peer); err != nil {
			logger.Error("focus_failed", "conv", *conv, "error", err)
			os.Exit(1)
		}
		fmt.Printf("focused %s with %s as %s; type to send\n", *conv, *peer, cfg.Engine.SelfID)
		go printActivity(ctx, e)
		readSendLoop(ctx, e)
		return
	}

	fmt.Printf("following thread list for %s\n", cfg.Engine.SelfID)
	printThreads(ctx, e)
}

// printActivity polls the engine snapshot and prints messages not seen yet.
func printActivity(ctx context.Context, e *engine.Engine) {
	seen := map[string]string{}
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range e.Messages() {
				key := string(m.Status)
				if seen[m.ID] == key {
					continue
				}
				seen[m.ID] = key
				who := m.Sender
				if m.SenderIsSelf {
					who = "you"
				}
				fmt.Printf("[%s] %s: %s (%s)\n",
					time.Unix(0, m.CreatedAt).Format("15:04:05"), who, m.Body, m.Status)
			}
			if peers := e.TypingPeers(); len(peers) > 0 {
				fmt.Printf("… %v typing\n", peers)
			}
		}
	}
}

func readSendLoop(ctx context.Context, e *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		if _, err := e.Send(ctx, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
}

func printThreads(ctx context.Context, e *engine.Engine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out := ""
			for _, th := range e.Threads() {
				name := th.Profile.DisplayName
				if name == "" {
					name = th.Participant
				}
				preview := ""
				if th.LastMessage != nil {
					preview = th.LastMessage.Body
				}
				out += fmt.Sprintf("%-20s unread=%d  %s\n", name, th.UnreadCount, preview)
			}
			if out != last {
				fmt.Print(out)
				last = out
			}
		}
	}
}
