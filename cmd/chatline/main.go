package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/chatline/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	if os.Getenv("CHATLINE_AUTORESTART") == "1" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
