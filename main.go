package main

import (
	"context"
	"os"

	"payment-webhook-service/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
