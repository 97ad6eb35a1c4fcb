package main

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/mcpgate/internal/tui"
	"github.com/spf13/cobra"
)

var tuiNoStart bool

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive dashboard",
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().BoolVar(&tuiNoStart, "no-start", false, "Do not start a daemon when none is running")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if _, err := CheckHealth(); err != nil && !tuiNoStart {
		fmt.Println("⚡ mcpgate daemon not reachable. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr, apiUser, apiToken)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// daemonArgs builds the serve invocation so the daemon listens where --api points.
func daemonArgs(api string) ([]string, error) {
	u, err := url.Parse(api)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid API address %q", api)
	}
	return []string{"serve", "--listen", u.Host}, nil
}

func daemonLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcpgate-daemon.log")
	}
	return filepath.Join(home, ".mcpgate", "daemon.log")
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args, err := daemonArgs(apiAddr)
	if err != nil {
		return err
	}

	logPath := daemonLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	configureDaemonProc(cmd)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return err
	}
	// The daemon outlives us; do not keep its process handle.
	_ = cmd.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h, _ := CheckHealth(); h != nil {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("daemon started but API not reachable at %s (see %s)", apiAddr, logPath)
}
