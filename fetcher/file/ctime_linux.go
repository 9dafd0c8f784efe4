//go:build linux

package file

import (
	"os"
	"syscall"
	"time"
)

// changeTime returns the inode change time, the closest Linux offers to
// a creation time.
func changeTime(info os.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}
