package convoybot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// ErrPoolExhausted indicates the pool file holds no dispensable entries.
var ErrPoolExhausted = errors.New("ip pool exhausted")

const ipPoolFileHeader = "# Add one IP address per line. Lines starting with '#' are ignored.\n"

// IPPool is a FIFO queue of IP addresses backed by a newline-delimited
// text file. Lines starting with '#' and blank lines are comments.
// Dispense removes the first non-comment line and rewrites the file;
// Return appends at the end. Operators may edit the file by hand while
// the bot is stopped, so the remainder of the file is preserved
// byte-for-byte on every rewrite.
type IPPool struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func NewIPPool(path string, logger *slog.Logger) *IPPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPPool{
		path:   path,
		logger: logger.With(loggerNameKey, "ip_pool"),
	}
}

// Dispense removes and returns the first available IP address.
// If the pool file doesn't exist, it's created with an instructional
// header and exhaustion is reported.
func (p *IPPool) Dispense() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("reading ip pool file: %w", err)
		}
		p.logger.Warn("ip pool file missing, creating it", "path", p.path)
		if writeErr := os.WriteFile(
			p.path,
			[]byte(ipPoolFileHeader),
			0o600,
		); writeErr != nil {
			p.logger.Error(
				"unable to create ip pool file",
				tint.Err(writeErr),
				"path", p.path,
			)
		}
		return "", ErrPoolExhausted
	}

	lines := strings.Split(string(data), "\n")
	for n, line := range lines {
		entry := strings.TrimSpace(line)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		// Everything after the dispensed line is kept verbatim,
		// including comments and blank lines.
		remainder := strings.Join(lines[n+1:], "\n")
		if err = os.WriteFile(p.path, []byte(remainder), 0o600); err != nil {
			return "", fmt.Errorf("rewriting ip pool file: %w", err)
		}
		p.logger.Info("dispensed ip", "ip", entry, "remaining", countEntries(lines[n+1:]))
		return entry, nil
	}

	return "", ErrPoolExhausted
}

// Return appends an IP address to the end of the pool file, making it
// the last entry dispensed. Used to give back a reserved address when
// a request ends without a server being created.
func (p *IPPool) Return(ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(
		p.path,
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o600,
	)
	if err != nil {
		return fmt.Errorf("opening ip pool file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	entry := ip
	if info, statErr := f.Stat(); statErr == nil && info.Size() > 0 {
		data, readErr := os.ReadFile(p.path)
		if readErr == nil && len(data) > 0 && data[len(data)-1] != '\n' {
			entry = "\n" + entry
		}
	}
	if _, err = f.WriteString(entry + "\n"); err != nil {
		return fmt.Errorf("appending to ip pool file: %w", err)
	}
	p.logger.Info("returned ip to pool", "ip", ip)
	return nil
}

// Len reports the number of dispensable entries currently in the pool.
func (p *IPPool) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading ip pool file: %w", err)
	}
	return countEntries(strings.Split(string(data), "\n")), nil
}

func countEntries(lines []string) int {
	count := 0
	for _, line := range lines {
		entry := strings.TrimSpace(line)
		if entry != "" && !strings.HasPrefix(entry, "#") {
			count++
		}
	}
	return count
}
