package firmware

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// verifyChecksums checks every "<image>.md5" sidecar under dir. Sidecars hold
// md5sum output: "<hex digest>  <file name>". The file name is resolved
// relative to the sidecar; when absent the sidecar name minus ".md5" is used.
func verifyChecksums(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md5") {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fields := strings.Fields(string(raw))
		if len(fields) == 0 {
			return fmt.Errorf("empty checksum file %s", path)
		}
		want := strings.ToLower(fields[0])

		image := strings.TrimSuffix(path, ".md5")
		if len(fields) > 1 {
			image = filepath.Join(filepath.Dir(path), filepath.Base(strings.TrimPrefix(fields[1], "*")))
		}

		got, err := md5File(image)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", image, want, got)
		}
		return nil
	})
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
