package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := Run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
