// issue-token mints a session token for local testing of the reconciliation API.
//
// Usage:
//   API_SECRET=... go run ./cmd/issue-token --user-id 7
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/books_reconcile/utils"
)

func main() {
	userID := flag.Int("user-id", 0, "Required: user id carried by the token")
	role := flag.String("role", "owner", "Role claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "--user-id is required")
		os.Exit(1)
	}
	if os.Getenv("API_SECRET") == "" {
		fmt.Fprintln(os.Stderr, "warning: API_SECRET not set; the token only validates against the development secret")
	}
	token, err := utils.JwtGenerate(*userID, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
