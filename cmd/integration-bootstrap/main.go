// Command integration-bootstrap obtains a Google Calendar grant in the
// browser and writes it to .testdata/token.json for the live E2E tests.
//
// Usage: go run ./cmd/integration-bootstrap --calendar <id> --client-id <id> --client-secret <secret>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/tokenfile"
	"github.com/tonimelisma/tasksync/testutil"
)

func main() {
	calendarID := flag.String("calendar", os.Getenv(testutil.EnvTestCalendar), "calendar the grant is for")
	user := flag.String("user", "e2e", "user ID recorded in the token file")
	clientID := flag.String("client-id", os.Getenv("TASKSYNC_CLIENT_ID"), "OAuth client ID")
	clientSecret := flag.String("client-secret", os.Getenv("TASKSYNC_CLIENT_SECRET"), "OAuth client secret")
	flag.Parse()

	if *calendarID == "" || *clientID == "" {
		fmt.Fprintln(os.Stderr, "--calendar and --client-id are required")
		os.Exit(2)
	}

	if err := testutil.CalendarAllowed(*calendarID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.Default()
	cfg := calendar.OAuthConfig(*clientID, *clientSecret)

	tok, err := calendar.LoginWithBrowser(context.Background(), cfg, func(url string) error {
		return exec.Command("xdg-open", url).Start()
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	path := filepath.Join(testutil.CredentialDir(testutil.FindModuleRoot(".")), testutil.TokenFileName)

	if err := tokenfile.Save(path, tok, map[string]string{
		tokenfile.MetaUser:       *user,
		tokenfile.MetaCalendarID: *calendarID,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "saving token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Login successful. Token saved to %s\n", path)
}
