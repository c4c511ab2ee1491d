package main

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/store"
	"github.com/tonimelisma/tasksync/internal/tokenfile"
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a user to a remote calendar",
		Long: `Store a calendar grant for a user and make them eligible for sync.

By default this opens the browser for the Google consent screen. With
--token-file the grant is imported from a file written by an earlier
"connect --save-token", and the file's user and calendar act as defaults.
Reconnecting clears a suspension caused by a revoked grant.`,
		RunE: runConnect,
	}

	cmd.Flags().String("user", "", "user to connect")
	cmd.Flags().String("calendar", "", "remote calendar ID (e.g. primary)")
	cmd.Flags().String("token-file", "", "import the grant from this token file")
	cmd.Flags().String("save-token", "", "also write the grant to this token file")

	return cmd
}

func runConnect(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	user, _ := cmd.Flags().GetString("user")
	calendarID, _ := cmd.Flags().GetString("calendar")
	tokenPath, _ := cmd.Flags().GetString("token-file")
	savePath, _ := cmd.Flags().GetString("save-token")

	var tok *oauth2.Token

	if tokenPath != "" {
		loaded, meta, err := tokenfile.Load(tokenPath)
		if err != nil {
			return err
		}

		if loaded == nil {
			return fmt.Errorf("token file %s not found", tokenPath)
		}

		tok = loaded

		if user == "" {
			user = meta[tokenfile.MetaUser]
		}

		if calendarID == "" {
			calendarID = meta[tokenfile.MetaCalendarID]
		}
	}

	if user == "" {
		return errors.New("--user is required")
	}

	if calendarID == "" {
		return errors.New("--calendar is required")
	}

	if tok == nil {
		if cc.Cfg.Remote.ClientID == "" {
			return errors.New("remote.client_id must be set in the config file for browser login")
		}

		oauthCfg := calendar.OAuthConfig(cc.Cfg.Remote.ClientID, cc.Cfg.Remote.ClientSecret)

		var err error

		tok, err = calendar.LoginWithBrowser(ctx, oauthCfg, openBrowser, cc.Logger)
		if err != nil {
			return err
		}
	}

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.tokens.Connect(ctx, &store.Credential{
		UserID:       user,
		CalendarID:   calendarID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}); err != nil {
		return err
	}

	if savePath != "" {
		if err := tokenfile.Save(savePath, tok, map[string]string{
			tokenfile.MetaUser:       user,
			tokenfile.MetaCalendarID: calendarID,
		}); err != nil {
			return err
		}

		cc.Statusf("Token saved to %s\n", savePath)
	}

	cc.Statusf("Connected %s to calendar %s\n", user, calendarID)

	return nil
}

func newDisconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Remove a user's calendar grant",
		Long: `Delete the stored grant and remote mappings for a user. Local tasks are
kept; the next connect starts with a full resync.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			user, err := requireUser(cmd)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.tokens.Disconnect(cmd.Context(), user); err != nil {
				return err
			}

			cc.Statusf("Disconnected %s\n", user)

			return nil
		},
	}

	cmd.Flags().String("user", "", "user to disconnect (required)")

	return cmd
}

// openBrowser opens url with the platform's URL handler.
func openBrowser(url string) error {
	var c *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", url)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		c = exec.Command("xdg-open", url)
	}

	return c.Start()
}
