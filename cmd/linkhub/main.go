package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	linkhubcmd "github.com/linkhub-dev/linkhub/internal/cmd/linkhub"
)

func main() {
	cfg, err := linkhubcmd.ParseConfig(flag.CommandLine, os.Args[1:], func(key string) (string, bool) {
		value, ok := os.LookupEnv(key)
		return value, ok
	})
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LINKHUB] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := linkhubcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
