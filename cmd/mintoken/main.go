// mintoken issues a bearer token for a user id, for local testing against
// the usage API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/chatforge/meterd/internal/auth"
)

func main() {
	userID := flag.String("user", "", "user id to embed in the token")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	issuer := flag.String("issuer", "meterd", "token issuer")
	flag.Parse()

	if *userID == "" {
		log.Fatal("-user is required")
	}

	secret := os.Getenv("METERD_AUTH_JWT_SECRET")
	if secret == "" {
		log.Fatal("METERD_AUTH_JWT_SECRET must be set")
	}

	tm, err := auth.NewTokenManager(secret, *ttl, *issuer)
	if err != nil {
		log.Fatalf("init token manager: %v", err)
	}

	token, expires, err := tm.Generate(*userID)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
}
