// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so the helpers work from a test binary that runs
// the CLI as a subprocess.
package testutil

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

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
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist crashes the process unless the server named by
// serverEnvVar appears in DICEWARE_ALLOWED_TEST_SERVERS. E2E runs delete
// records, so they must never point at a server by accident.
func ValidateAllowlist(serverEnvVar string) {
	allowlist := os.Getenv("DICEWARE_ALLOWED_TEST_SERVERS")
	if allowlist == "" {
		fmt.Fprintln(os.Stderr, "FATAL: DICEWARE_ALLOWED_TEST_SERVERS not set")
		fmt.Fprintln(os.Stderr, "Example: DICEWARE_ALLOWED_TEST_SERVERS=https://staging.example.com/")
		os.Exit(1)
	}

	server := os.Getenv(serverEnvVar)
	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == server {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in DICEWARE_ALLOWED_TEST_SERVERS=%q\n",
		serverEnvVar, server, allowlist)
	os.Exit(1)
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

// BuildBinary compiles pkg (relative to moduleRoot) into dir and returns
// the binary path.
func BuildBinary(moduleRoot, pkg, dir, name string) (string, error) {
	out := filepath.Join(dir, name)

	cmd := exec.Command("go", "build", "-o", out, pkg)
	cmd.Dir = moduleRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("building %s: %w", pkg, err)
	}

	return out, nil
}

// FreeAddr returns a loopback address with a port that was free a moment
// ago.
func FreeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()

	return l.Addr().String(), nil
}

// WaitForListener polls addr until it accepts a TCP connection or timeout
// elapses.
func WaitForListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			return conn.Close()
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%s not listening after %s: %w", addr, timeout, err)
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// CopyFile copies a file from src to dst with the given permissions.
// Crashes on failure because tests cannot proceed without the file.
func CopyFile(src, dst string, perm os.FileMode) {
	data, err := os.ReadFile(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cannot read %s: %v\n", src, err)
		fmt.Fprintln(os.Stderr, "Run 'diceware login --token-file <path>' to create a test session.")
		os.Exit(1)
	}

	if writeErr := os.WriteFile(dst, data, perm); writeErr != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", dst, writeErr)
		os.Exit(1)
	}
}
