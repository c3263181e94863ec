package platform

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/datallboy/gopodq/internal/domain"
)

// FreeSpace returns the bytes available on the filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", dir, err)
	}
	return usage.Free, nil
}

// EnsureSpace fails with domain.ErrDiskFull when dir cannot take need more
// bytes while keeping reserve bytes free.
func EnsureSpace(dir string, need, reserve int64) error {
	if need <= 0 && reserve <= 0 {
		return nil
	}

	free, err := FreeSpace(dir)
	if err != nil {
		return err
	}

	want := uint64(max(need, 0)) + uint64(max(reserve, 0))
	if free < want {
		return fmt.Errorf("%w: %s needs %s, only %s free", domain.ErrDiskFull, dir,
			humanize.IBytes(want), humanize.IBytes(free))
	}
	return nil
}

// ValidateDownloadDir creates dir if needed and checks that files can be created in it.
func ValidateDownloadDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".gopodq-write-*")
	if err != nil {
		return fmt.Errorf("download dir %s is not writable: %w", dir, err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}
