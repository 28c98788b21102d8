package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
)

func main() {
	// Default port
	port := "8081"

	// Check if port is provided as command line argument
	if len(os.Args) > 1 {
		port = os.Args[1]
	}

	gh := NewGitHubServer(Identity{
		ID:    envOr("MOCK_GITHUB_ID", "1001"),
		Login: envOr("MOCK_GITHUB_LOGIN", "octocat"),
		Email: os.Getenv("MOCK_GITHUB_EMAIL"),
		Name:  os.Getenv("MOCK_GITHUB_NAME"),
	})

	http.HandleFunc("/login/oauth/authorize", gh.AuthorizeHandler)
	http.HandleFunc("/login/oauth/access_token", gh.AccessTokenHandler)
	http.HandleFunc("/user", gh.UserHandler)

	addr := fmt.Sprintf(":%s", port)
	fmt.Printf("Go Mock GitHub running on port %s...\n", port)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
