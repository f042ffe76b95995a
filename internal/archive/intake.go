package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MoveToIntake hands a file to the archive's consumption directory.
// Rename is atomic on the same filesystem; across filesystems it falls
// back to copy plus rename of a hidden temp name so the consumer never
// sees a partially written file.
func MoveToIntake(src, intakeDir, name string) error {
	dst := filepath.Join(intakeDir, name)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	tmp := filepath.Join(intakeDir, "."+name+".part")
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into intake: %w", err)
	}
	os.Remove(src)
	return nil
}
