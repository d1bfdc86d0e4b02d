package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

var resetForce bool

// knownKeys are deleted from stores that cannot enumerate their keys.
var knownKeys = []string{
	outbound.KeyAccessToken,
	outbound.KeyRefreshToken,
	outbound.KeySessionState,
	outbound.KeyDeviceFingerprint,
	outbound.KeyActivityLog,
	outbound.KeyRememberMe,
	outbound.KeyOfflineQueue,
	outbound.KeyOfflineCache,
	outbound.KeyErrorLog,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset portalguard to a clean state",
	Long: `Reset portalguard by deleting everything it persisted in the configured
storage backend: tokens, session state, the offline queue and cache, and
the error log.

The next command starts logged out with an empty queue.

Examples:
  # Reset with interactive confirmation
  portalguard reset

  # Reset without prompting
  portalguard reset --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	errOut := cmd.ErrOrStderr()

	if !resetForce {
		fmt.Fprintf(errOut, "All %s data in %s will be deleted.\nProceed? [y/N] ", cfg.Storage.Backend, storageLocation(cfg.Storage.Backend, cfg.StorageDir(), cfg.Storage.Redis.Addr))
		if !confirm(cmd.InOrStdin()) {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	a := &app{cfg: cfg, logger: newLogger(cfg)}
	primary, spill, err := a.openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range a.closers {
			_ = c.Close()
		}
	}()

	n, err := wipeStore(cmd.Context(), primary)
	if spill != nil {
		m, spillErr := wipeStore(cmd.Context(), spill)
		n += m
		err = errors.Join(err, spillErr)
	}
	if err != nil {
		return fmt.Errorf("reset incomplete: %w", err)
	}

	fmt.Fprintf(errOut, "Removed %d keys. portalguard will start fresh on next launch.\n", n)
	return nil
}

// wipeStore deletes every key in s and returns how many were targeted.
func wipeStore(ctx context.Context, s outbound.KVStore) (int, error) {
	keys := knownKeys
	if l, ok := s.(outbound.Lister); ok {
		listed, err := l.Keys(ctx, "")
		if err != nil {
			return 0, err
		}
		keys = listed
	}

	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return len(keys), errors.Join(errs...)
}

func storageLocation(backend, dir, redisAddr string) string {
	switch backend {
	case "memory":
		return "memory"
	case "redis":
		return redisAddr
	default:
		return dir
	}
}

func confirm(r io.Reader) bool {
	answer, _ := bufio.NewReader(r).ReadString('\n')
	answer = strings.TrimSpace(answer)
	return answer == "y" || answer == "Y"
}
