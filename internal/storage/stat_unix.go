//go:build unix

package storage

import "golang.org/x/sys/unix"

// owner returns the uid and gid of path.
func owner(path string) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return st.Uid, st.Gid, nil
}
