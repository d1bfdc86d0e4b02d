package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
	"github.com/Sentinel-Gate/portalguard/internal/port/inbound"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

var (
	loginPassword   string
	loginRememberMe bool
	activityType    string
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and start a session",
	Long: `Log in against api.login_path and persist the session.

The password is read from --password, then PORTALGUARD_PASSWORD, then the
first line of stdin.

Examples:
  portalguard login alice --remember-me
  echo "$PASS" | portalguard login alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginPassword == "" && os.Getenv("PORTALGUARD_PASSWORD") == "" && stdinIsTerminal() {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		}
		password, err := resolvePassword(loginPassword, os.Getenv("PORTALGUARD_PASSWORD"), cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			return a.login(ctx, cmd.OutOrStdout(), args[0], password, loginRememberMe)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and clear stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			a.sessions.Logout(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session phase and time remaining",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			return printJSON(cmd.OutOrStdout(), a.status())
		})
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Record user activity and reset the inactivity timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := session.ParseActivityKind(activityType)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			a.sessions.RecordActivity(ctx, kind)
			return printJSON(cmd.OutOrStdout(), a.sessions.Status())
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the access token now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			if !a.sessions.IsAuthenticated() {
				return errors.New("not logged in")
			}
			if err := a.sessions.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token refreshed.")
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password (prefer PORTALGUARD_PASSWORD or stdin)")
	loginCmd.Flags().BoolVar(&loginRememberMe, "remember-me", false, "keep the session across restarts up to session.remember_me_duration")
	activityCmd.Flags().StringVar(&activityType, "type", string(session.ActivityManual), "activity type: pointer, keyboard, touch, scroll, focus, manual")
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd, activityCmd, refreshCmd)
}

// resolvePassword picks the first non-empty source.
func resolvePassword(flag, env string, stdin io.Reader) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env != "" {
		return env, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given")
	}
	return line, nil
}

func (a *app) login(ctx context.Context, out io.Writer, username, password string, rememberMe bool) error {
	res, err := a.auth.Login(ctx, username, password)
	if err != nil {
		if errors.Is(err, outbound.ErrInvalidCredentials) {
			a.errorLog.Auth(ctx, errlog.LevelWarn, "login rejected", map[string]any{"username": username})
		}
		return fmt.Errorf("login failed: %w", err)
	}
	if err := a.sessions.InitializeSession(ctx, res.UserID, res.Tokens, rememberMe); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in as %s.\n", res.UserID)
	return nil
}

// statusReport is printed by "status".
type statusReport struct {
	Session         inbound.SessionStatus `json:"session"`
	Online          bool                  `json:"online"`
	QueuedOffline   int                   `json:"queuedOffline"`
	UnresolvedLogs  int                   `json:"unresolvedLogs"`
	StorageDegraded bool                  `json:"storageDegraded"`
}

func (a *app) status() statusReport {
	return statusReport{
		Session:         a.sessions.Status(),
		Online:          a.queue.Online(),
		QueuedOffline:   a.queue.Len(),
		UnresolvedLogs:  a.errorLog.Statistics().Unresolved,
		StorageDegraded: a.store.Degraded(),
	}
}

// stdinIsTerminal is false when input is piped.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
