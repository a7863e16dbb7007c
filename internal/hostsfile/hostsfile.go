// Package hostsfile implements idempotent add/remove of a named block of
// host -> IP lines in the system hosts file, identified by a comment
// marker. It mirrors the marker-block semantics of the original source's
// hostsfile crate: writing a block with no entries removes it, writing one
// with entries replaces whatever was there for that marker.
package hostsfile

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/jessegoodier/kftray-go/internal/metrics"
)

// DefaultPath is the conventional system hosts file location. Tests inject
// an alternate Fs/path instead of mutating the real file.
const DefaultPath = "/etc/hosts"

// Mutator edits a hosts file identified by Path on Fs. The zero value is
// not usable; construct with New.
type Mutator struct {
	Fs   afero.Fs
	Path string
}

// New returns a Mutator over the real OS filesystem at DefaultPath.
func New() *Mutator {
	return &Mutator{Fs: afero.NewOsFs(), Path: DefaultPath}
}

// NewAt returns a Mutator over fs at path, for tests and alternate roots.
func NewAt(fs afero.Fs, path string) *Mutator {
	return &Mutator{Fs: fs, Path: path}
}

type hostEntry struct {
	ip       net.IP
	hostname string
}

// Install writes the named block for marker with a single hostname -> ip
// mapping, replacing any existing block for that marker.
func (m *Mutator) Install(marker, hostname, ip string) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid IP address format: %s", ip)
	}
	return m.writeBlock(marker, []hostEntry{{ip: addr, hostname: hostname}})
}

// Uninstall removes the named block for marker, if present. Calling it when
// the marker is absent is a no-op, not an error.
func (m *Mutator) Uninstall(marker string) error {
	return m.writeBlock(marker, nil)
}

// writeBlock replaces the lines owned by marker with entries, or removes
// the block entirely when entries is empty.
func (m *Mutator) writeBlock(marker string, entries []hostEntry) error {
	existing, err := m.readLines()
	if err != nil {
		metrics.HostsFileWrites.WithLabelValues("error").Inc()
		return err
	}

	lines := removeBlock(existing, marker)
	if len(entries) > 0 {
		lines = append(lines, "# "+marker)
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("%s %s", e.ip.String(), e.hostname))
		}
	}

	if err := m.writeLines(lines); err != nil {
		metrics.HostsFileWrites.WithLabelValues("error").Inc()
		return err
	}
	metrics.HostsFileWrites.WithLabelValues("success").Inc()
	return nil
}

// removeBlock strips the comment line "# <marker>" and every host line that
// immediately follows it, up to (but not including) the next comment line
// or a blank line.
func removeBlock(lines []string, marker string) []string {
	out := make([]string, 0, len(lines))
	markerLine := "# " + marker
	i := 0
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == markerLine {
			i++
			for i < len(lines) {
				trimmed := strings.TrimSpace(lines[i])
				if trimmed == "" || strings.HasPrefix(trimmed, "#") {
					break
				}
				i++
			}
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return out
}

func (m *Mutator) readLines() ([]string, error) {
	f, err := m.Fs.Open(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading hosts file %s: %w", m.Path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning hosts file %s: %w", m.Path, err)
	}
	return lines, nil
}

func (m *Mutator) writeLines(lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := afero.WriteFile(m.Fs, m.Path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing hosts file %s: %w", m.Path, err)
	}
	return nil
}
