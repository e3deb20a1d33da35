package node

import (
	"os"
	"path/filepath"
)

// File names inside a node directory.
const (
	AdminSocketFile = "admin.sock"
	LockFile        = "LOCK"
	DBFile          = "chatd.db"
	LogDirName      = "logs"
	LogFile         = "chatd.log"
)

// BaseDir returns ~/.chatd.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatd")
}

// Dir returns the node-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "nodes", name)
}

// AdminSocketPath returns the UDS path of the node's admin gRPC server.
func AdminSocketPath(name string) string {
	return filepath.Join(Dir(name), AdminSocketFile)
}

// LockPath returns the lock file path for a node.
func LockPath(name string) string {
	return filepath.Join(Dir(name), LockFile)
}

// DBPath returns the default SQLite path for a node. Nodes of one fleet share
// a database by pointing db_path at the same file.
func DBPath(name string) string {
	return filepath.Join(Dir(name), DBFile)
}

// LogDir returns the log directory for a node.
func LogDir(name string) string {
	return filepath.Join(Dir(name), LogDirName)
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), LogFile)
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the node directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
