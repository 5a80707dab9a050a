package agent

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// blockedCommandPatterns are shell fragments no agent session may run,
// matched case-insensitively against normalized whitespace.
var blockedCommandPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -fr /",
	"mkfs",
	"dd if=",
	"sudo ",
	"su -",
	"chmod -r 777 /",
	"chown -r",
	"git push --force",
	"git push -f",
	"curl | sh",
	"curl | bash",
	"wget | sh",
	"wget | bash",
	"> /dev/sda",
	":(){ :|:& };:",
}

// blockedWritePatterns are path globs agents may never write, even inside
// the working directory.
var blockedWritePatterns = []string{
	"**/.git/**",
	"**/.ssh/**",
	"**/.env",
	"**/id_rsa*",
}

// Guard enforces the security policy on agent side-effects: a shell
// command blocklist and a write-path containment check against the
// session's working directory.
type Guard struct {
	workDir string
}

// NewGuard creates a guard rooted at the session working directory.
func NewGuard(workDir string) *Guard {
	return &Guard{workDir: filepath.Clean(workDir)}
}

// Policy renders the guard as the wire-level policy sent with a session
// request.
func (g *Guard) Policy() SessionPolicy {
	return SessionPolicy{
		BlockedCommands: blockedCommandPatterns,
		WriteRoot:       g.workDir,
	}
}

// CheckCommand rejects dangerous shell commands.
func (g *Guard) CheckCommand(cmd string) error {
	normalized := strings.ToLower(strings.Join(strings.Fields(cmd), " "))
	for _, pattern := range blockedCommandPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("blocked command (matches %q): %s", pattern, cmd)
		}
	}
	return nil
}

// CheckWritePath rejects paths escaping the working directory or matching
// a blocked glob. Relative paths are resolved against the working
// directory.
func (g *Guard) CheckWritePath(path string) error {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.workDir, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(g.workDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes working directory %q", path, g.workDir)
	}

	for _, pattern := range blockedWritePatterns {
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(abs)); ok {
			return fmt.Errorf("path %q matches blocked pattern %q", path, pattern)
		}
	}
	return nil
}
