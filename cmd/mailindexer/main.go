package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kws/mailindexer/internal/app"
)

func main() {
	if err := app.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
