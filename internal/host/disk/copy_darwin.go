//go:build darwin

package disk

import "golang.org/x/sys/unix"

// cloneFile uses APFS clonefile(2).
func cloneFile(src, dst string) error {
	return unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW)
}
