package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/synqronlabs/kestrel"
)

// Probes a server and prints what it advertises after EHLO (and after
// STARTTLS, when the URL asks for it).
func main() {
	raw := "smtp://localhost:2525"
	if len(os.Args) > 1 {
		raw = os.Args[1]
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	builder, err := kestrel.FromURL(raw)
	if err != nil {
		log.Fatal(err)
	}
	cfg := builder.Logger(logger).Timeout(10 * time.Second).ClientConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := kestrel.Probe(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(info)
	if limit, ok := info.MaxSize(); ok {
		fmt.Printf("size limit: %d\n", limit)
	}
	for _, m := range info.AuthMechanisms() {
		fmt.Printf("auth: %s\n", m)
	}
}
