// Command prism inspects a prism configuration and checks the database
// it points at.
//
//	prism config -c prism.toml --env staging
//	prism url "postgresql://app:secret@db/shop?sslmode=require"
//	prism ping -c prism.toml
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/syssam/prism"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "prism:", err)
		var e *prism.Error
		if errors.As(err, &e) && e.Suggestion != "" {
			fmt.Fprintln(os.Stderr, "hint:", e.Suggestion)
		}
		os.Exit(1)
	}
}
