package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
)

// GetLogDir returns the standard log directory for the current OS
func GetLogDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		return getWindowsLogDir()
	case osDarwin:
		return getMacOSLogDir()
	default:
		return getLinuxLogDir()
	}
}

// getWindowsLogDir uses %LOCALAPPDATA%\mcpbridge\logs
func getWindowsLogDir() (string, error) {
	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return getDefaultLogDir()
		}
		localAppData = filepath.Join(userProfile, "AppData", "Local")
	}
	return filepath.Join(localAppData, "mcpbridge", "logs"), nil
}

// getMacOSLogDir uses ~/Library/Logs/mcpbridge
func getMacOSLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}
	return filepath.Join(homeDir, "Library", "Logs", "mcpbridge"), nil
}

// getLinuxLogDir follows the XDG Base Directory Specification, falling back
// to /var/log/mcpbridge when running as root
func getLinuxLogDir() (string, error) {
	if os.Getuid() == 0 {
		return "/var/log/mcpbridge", nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "mcpbridge", "logs"), nil
}

// getDefaultLogDir is the fallback for unsupported platforms
func getDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".mcpbridge", "logs"), nil
}

// GetLogFilePathWithDir resolves a log file inside a custom directory,
// falling back to the OS standard directory when dir is empty. The
// directory is created if it does not exist.
func GetLogFilePathWithDir(dir, filename string) (string, error) {
	logDir := dir
	if logDir == "" {
		standard, err := GetLogDir()
		if err != nil {
			return "", err
		}
		logDir = standard
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	return filepath.Join(logDir, filename), nil
}
