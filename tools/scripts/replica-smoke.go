// Package main provides a CI-friendly end-to-end smoke test for a running tablesync server.
//
// It validates:
//   - game creation and guest join over REST
//   - replica subscription and initial snapshot
//   - a REST patch reaching another subscriber's replica
//   - both replicas converging on the same document and version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tablesync/shared/patch"
	"tablesync/shared/replica"
)

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		secret  = flag.String("secret", os.Getenv("TABLESYNC_JWT_SECRET"), "HS256 secret used to mint test tokens")
		issuer  = flag.String("issuer", "tablesync", "Token issuer")
		name    = flag.String("name", "smoke table", "Game name")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if len(*secret) < 32 {
		fatalf("-secret must be at least 32 bytes")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	gm := mustController(*baseURL, mustToken(*secret, *issuer, "smoke-gm", "gm"), log)
	defer func() { _ = gm.Close() }()
	guest := mustController(*baseURL, mustToken(*secret, *issuer, "smoke-guest", "guest"), log)
	defer func() { _ = guest.Close() }()

	ctx := context.Background()

	gameID := step(ctx, *timeout, "create game", func(ctx context.Context) (string, error) {
		return gm.CreateGame(ctx, *name)
	})
	step(ctx, *timeout, "guest join", func(ctx context.Context) (bool, error) {
		return guest.JoinAsGuest(ctx, gameID)
	})
	step(ctx, *timeout, "gm connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, gm.Connect(ctx, gameID)
	})
	step(ctx, *timeout, "guest connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, guest.Connect(ctx, gameID)
	})

	_, base, err := guest.Document()
	if err != nil {
		fatalf("guest document: %v", err)
	}

	op, err := patch.Add("/notes", "smoke "+time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		fatalf("build patch: %v", err)
	}
	p := patch.Patch{op}
	version := step(ctx, *timeout, "gm submit", func(ctx context.Context) (int64, error) {
		return gm.Submit(ctx, p)
	})
	if version != base+1 {
		fatalf("submit: version=%d want %d", version, base+1)
	}

	guestDoc := waitVersion(guest, version, *timeout)
	gmDoc := waitVersion(gm, version, *timeout)
	if !patch.Equal(guestDoc, gmDoc) {
		fatalf("replicas diverged at version %d", version)
	}

	step(ctx, *timeout, "guest leave", func(ctx context.Context) (bool, error) {
		return guest.Leave(ctx, gameID)
	})

	fmt.Printf("OK game=%s version=%d\n", gameID, version)
}

func mustToken(secret, issuer, userID, username string) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, struct {
		Name string `json:"name,omitempty"`
		jwt.RegisteredClaims
	}{
		Name: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token: %v", err)
	}
	return signed
}

func mustController(baseURL, token string, log *slog.Logger) *replica.Controller {
	c, err := replica.New(replica.Config{
		BaseURL:             baseURL,
		Token:               token,
		Logger:              log,
		ReconnectMaxElapsed: 5 * time.Second,
	})
	if err != nil {
		fatalf("replica: %v", err)
	}
	return c
}

func step[T any](parent context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) T {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	out, err := fn(ctx)
	if err != nil {
		var re *replica.RemoteError
		if errors.As(err, &re) {
			fatalf("%s: status=%d code=%s: %s", name, re.Status, re.Code, re.Message)
		}
		fatalf("%s: %v", name, err)
	}
	return out
}

func waitVersion(c *replica.Controller, want int64, timeout time.Duration) any {
	deadline := time.Now().Add(timeout)
	for {
		doc, v, err := c.Document()
		if err == nil && v >= want {
			return doc
		}
		if time.Now().After(deadline) {
			fatalf("replica for %s stuck at version %d (err=%v)", c.GameID(), v, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
