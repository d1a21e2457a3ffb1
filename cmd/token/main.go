// Package main mints access tokens for local development against the
// configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/welldanyogia/teamchat-events/internal/auth"
	"github.com/welldanyogia/teamchat-events/internal/config"
)

func main() {
	var (
		userID  = flag.Int64("user", 0, "User ID")
		realmID = flag.Int64("realm", 0, "Realm ID")
		email   = flag.String("email", "", "User email")
	)
	flag.Parse()

	cfg := config.Load()
	if cfg.JWT.AccessSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_ACCESS_SECRET environment variable is required")
		os.Exit(1)
	}
	if *userID <= 0 || *realmID <= 0 {
		flag.Usage()
		os.Exit(1)
	}

	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:      cfg.JWT.AccessSecret,
		AccessTokenExpiry: cfg.JWT.AccessTokenExpiry,
		Issuer:            cfg.JWT.Issuer,
	})
	token, err := tokens.GenerateAccessToken(*userID, *realmID, *email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires in %s\n", tokens.GetAccessTokenExpiry())
}
