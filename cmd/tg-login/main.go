package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/joho/godotenv"

	"github.com/blockedby/tgrelay/internal/config"
	"github.com/blockedby/tgrelay/internal/telegram"
)

func main() {
	fmt.Println("=== telegram login ===")
	fmt.Println("this tool stores a telegram session for the relay")
	fmt.Println()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	apiID, apiHash := getAPICredentials(cfg, reader)

	db, err := telegram.OpenSessionDB(cfg.SessionDB)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("enter your phone number (with country code, e.g. +1234567890): ")
	phone, _ := reader.ReadString('\n')
	phone = strings.TrimSpace(phone)

	fmt.Println("\nauthenticating... (check telegram for code)")

	client, err := gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(db.Dialector),
			DisableCopyright: true,
		},
	)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	defer client.Stop()

	fmt.Println("\n✓ authentication successful!")
	fmt.Printf("logged in as: @%s\n", client.Self.Username)
	fmt.Printf("session saved to %s\n", cfg.SessionDB)
	fmt.Println("\n⚠️  keep this file secret! it provides full access to your telegram account")
}

// getAPICredentials reads API ID and Hash from env or prompts user
func getAPICredentials(cfg *config.Config, reader *bufio.Reader) (int, string) {
	if cfg.HasTelegramCredentials() {
		return cfg.TGApiID, cfg.TGApiHash
	}

	fmt.Print("enter your api_id (from https://my.telegram.org): ")
	apiIDStr, _ := reader.ReadString('\n')
	fmt.Print("enter your api_hash: ")
	apiHash, _ := reader.ReadString('\n')

	apiID, err := strconv.Atoi(strings.TrimSpace(apiIDStr))
	if err != nil {
		fmt.Printf("error: invalid api_id: %v\n", err)
		os.Exit(1)
	}

	return apiID, strings.TrimSpace(apiHash)
}
