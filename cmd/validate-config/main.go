package main

import (
	"fmt"
	"os"

	"github.com/blockedby/tgrelay/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("No files to check.")
		os.Exit(0)
	}

	failed := false
	for _, path := range os.Args[1:] {
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("❌ Failed to read %s: %v\n", path, err)
			failed = true
			continue
		}

		configs, err := config.LoadForwards(path)
		if err != nil {
			fmt.Printf("❌ Invalid forward config in %s: %v\n", path, err)
			failed = true
			continue
		}

		fatal := false
		for _, is := range config.ValidateForwards(configs) {
			if is.Fatal {
				fatal = true
				fmt.Printf("❌ %s: %s\n", path, is)
				continue
			}
			fmt.Printf("⚠️  %s: %s\n", path, is)
		}
		if fatal {
			failed = true
			continue
		}
		fmt.Printf("✅ %s is valid (%d forwards)\n", path, len(configs))
	}

	if failed {
		os.Exit(1)
	}
}
