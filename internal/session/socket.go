package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Unix domain socket paths are limited to 104 bytes on BSDs and 108 on
// Linux; stay comfortably under both.
const maxSocketPath = 96

// controlSocketPath builds a unique control-socket path under dir encoding
// user, a random token, timestamp, pid, and a short host identifier. When
// the full name would overflow the socket path limit, the descriptive
// components (user, host) are dropped first; the token, timestamp, and pid
// that make the path unique are always kept intact.
func controlSocketPath(dir, host string) string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	long := fmt.Sprintf("remora-%s-%s-%d-%d-%s",
		user, token, time.Now().Unix(), os.Getpid(), shortHostID(host))
	short := fmt.Sprintf("remora-%s-%d-%d", token, time.Now().Unix(), os.Getpid())

	if path := filepath.Join(dir, long); len(path) <= maxSocketPath {
		return path
	}
	if path := filepath.Join(dir, short); len(path) <= maxSocketPath {
		return path
	}
	// The directory itself is too deep for any socket name; fall back to
	// the system temp directory rather than producing an unusable path.
	return filepath.Join(os.TempDir(), short)
}

// shortHostID reduces a host target like user@build01.example.com:2222 to a
// few filename-safe characters.
func shortHostID(host string) string {
	if at := strings.LastIndex(host, "@"); at != -1 {
		host = host[at+1:]
	}
	if dot := strings.Index(host, "."); dot != -1 {
		host = host[:dot]
	}
	if colon := strings.Index(host, ":"); colon != -1 {
		host = host[:colon]
	}

	var b strings.Builder
	for _, r := range host {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = "host"
	}
	return id
}
