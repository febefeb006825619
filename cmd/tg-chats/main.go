package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/blockedby/tgrelay/internal/config"
	"github.com/blockedby/tgrelay/internal/telegram"
)

func main() {
	kind := flag.String("kind", "", "only list chats of this kind (user, group, supergroup, forum, channel)")
	filter := flag.String("q", "", "only list chats whose title contains this text")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HasTelegramCredentials() {
		fmt.Println("error: missing required environment variables")
		fmt.Println("please set: TG_API_ID, TG_API_HASH")
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := telegram.OpenSessionDB(cfg.SessionDB)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	mgr := telegram.NewManager(cfg, db)
	if err := mgr.Init(ctx); err != nil {
		fmt.Printf("error creating client: %v\n", err)
		os.Exit(1)
	}
	if mgr.GetStatus() != telegram.StatusReady {
		fmt.Printf("no session in %s, run tg-login first\n", cfg.SessionDB)
		os.Exit(1)
	}

	client := telegram.NewClient(mgr, telegram.Options{HistoryRPS: cfg.HistoryRPS})
	defer client.Close()

	fmt.Println("fetching dialogs...")
	fmt.Println()

	chats, err := client.ListChats(ctx)
	if err != nil {
		fmt.Printf("error fetching dialogs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-16s | %-10s | %-40s\n", "id", "kind", "title")
	fmt.Println(strings.Repeat("-", 72))

	shown := 0
	for _, c := range chats {
		if *kind != "" && c.Kind != *kind {
			continue
		}
		if *filter != "" && !strings.Contains(strings.ToLower(c.Title), strings.ToLower(*filter)) {
			continue
		}

		// truncate long titles
		title := c.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Printf("%-16d | %-10s | %-40s\n", c.ID, c.Kind, title)
		shown++
	}

	fmt.Printf("\n%d of %d chats\n", shown, len(chats))
	fmt.Println("\nuse these ids as sourceID and destinationID in the forward config:")
	fmt.Println(`  {"sourceID": -1001234567890, "destinationID": -1009876543210}`)
}
