// Package launch assembles and execs the confidential-guest hypervisor
// process: it ensures the measured firmware/kernel/initrd assets are on
// disk, builds the SEV-SNP QEMU argument vector, and replaces the host
// process image with the hypervisor.
package launch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/onecompany/gpt/internal/gpterrors"
)

const module = "launch"

// AssetSet is the three VM components: UEFI firmware, kernel, and initrd.
// The caller supplies the bytes (gpt-host launch reads them from the files
// named by its --ovmf-path, --kernel-path and --initrd-path flags); no
// asset is embedded in any binary. This package only knows how to cache
// them on disk content-addressably.
type AssetSet struct {
	OVMF   []byte
	Kernel []byte
	Initrd []byte
}

// AssetPaths is the on-disk location of a cached AssetSet.
type AssetPaths struct {
	Dir    string
	OVMF   string
	Kernel string
	Initrd string
}

// assetRoot is the persistent data root under which content-addressed
// asset directories are created.
const assetRoot = "/var/lib/gpt_host/assets"

// EnsureAssets hashes the concatenation of the three embedded blobs, and
// if a directory named after the first 16 hex characters of that hash does
// not yet exist under root, extracts the assets into it under an exclusive
// file lock. Concurrent launches from the same binary race safely: only
// one extracts, the rest observe the directory already populated once they
// acquire the lock.
func EnsureAssets(root string, set AssetSet) (AssetPaths, error) {
	if root == "" {
		root = assetRoot
	}

	h := sha256.New()
	h.Write(set.OVMF)
	h.Write(set.Kernel)
	h.Write(set.Initrd)
	digest := hex.EncodeToString(h.Sum(nil))
	shortHash := digest[:16]

	targetDir := filepath.Join(root, shortHash)
	paths := AssetPaths{
		Dir:    targetDir,
		OVMF:   filepath.Join(targetDir, "OVMF.fd"),
		Kernel: filepath.Join(targetDir, "vmlinuz"),
		Initrd: filepath.Join(targetDir, "initrd.gz"),
	}

	if dirExists(targetDir) {
		return paths, nil
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return AssetPaths{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "mkdir_asset_root", err).
			WithContext("root", root)
	}

	lockPath := filepath.Join(root, ".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return AssetPaths{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "open_asset_lock", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return AssetPaths{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "lock_asset_dir", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	// Re-check after acquiring the lock: another process may have already
	// extracted while we waited.
	if dirExists(targetDir) {
		return paths, nil
	}

	if err := extractAssets(targetDir, set); err != nil {
		_ = os.RemoveAll(targetDir)
		return AssetPaths{}, gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "extract_assets", err).
			WithContext("dir", targetDir)
	}

	return paths, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func extractAssets(dir string, set AssetSet) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}
	writes := []struct {
		name string
		data []byte
	}{
		{"OVMF.fd", set.OVMF},
		{"vmlinuz", set.Kernel},
		{"initrd.gz", set.Initrd},
	}
	for _, w := range writes {
		if err := os.WriteFile(filepath.Join(dir, w.name), w.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	return nil
}
