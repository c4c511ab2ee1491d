// Package testutil provides shared environment helpers for the E2E tests
// and the credential bootstrap tool. It depends only on stdlib so that
// E2E tests (which cannot import internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the live-calendar tests.
const (
	EnvTestUser     = "TASKSYNC_TEST_USER"
	EnvTestCalendar = "TASKSYNC_TEST_CALENDAR"
	EnvAllowed      = "TASKSYNC_ALLOWED_TEST_CALENDARS"
)

// TokenFileName is the bootstrap token file inside the credential dir.
const TokenFileName = "token.json"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// CalendarAllowed reports whether calendarID is listed in
// TASKSYNC_ALLOWED_TEST_CALENDARS. Live tests create and delete events, so
// they refuse to run against a calendar nobody allowlisted.
func CalendarAllowed(calendarID string) error {
	allowlist := os.Getenv(EnvAllowed)
	if allowlist == "" {
		return fmt.Errorf("%s not set; add it to .env, e.g. %s=tasksync-test@group.calendar.google.com",
			EnvAllowed, EnvAllowed)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == calendarID {
			return nil
		}
	}

	return fmt.Errorf("calendar %q is not in %s=%q", calendarID, EnvAllowed, allowlist)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// CredentialDir is .testdata/ under the module root, where the bootstrap
// tool writes the live-test token file.
func CredentialDir(moduleRoot string) string {
	return filepath.Join(moduleRoot, ".testdata")
}
