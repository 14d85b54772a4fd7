// The main package for the listing-image-dedup executable.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/listing-image-dedup/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
