package timesync

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Converter handles conversion from time-since-boot offsets to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter from the host's /proc/stat.
// If reading fails, it uses a conservative fallback estimate.
func NewConverter() (*Converter, error) {
	return NewConverterForRoot("/proc")
}

// NewConverterForRoot reads boot time from <procRoot>/stat.
func NewConverterForRoot(procRoot string) (*Converter, error) {
	bootTime, err := readBootTime(filepath.Join(procRoot, "stat"))
	if err != nil {
		// Fallback: wall times will be off, but ordering between
		// processes is still right.
		bootTime = time.Now().Add(-time.Hour) // Conservative fallback
	}

	return &Converter{
		bootTime: bootTime,
	}, nil
}

// SinceBootToWallClock converts an offset from boot to wall-clock time.
func (c *Converter) SinceBootToWallClock(offset time.Duration) time.Time {
	return c.bootTime.Add(offset)
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// readBootTime reads the btime line of a /proc/stat file.
func readBootTime(path string) (time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				bootTimeSec, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return time.Time{}, fmt.Errorf("failed to parse btime: %w", err)
				}
				return time.Unix(bootTimeSec, 0), nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("error reading %s: %w", path, err)
	}

	return time.Time{}, fmt.Errorf("btime not found in %s", path)
}
