//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs(2) f_type values of the network filesystems we refuse. FUSE is
// reported as sshfs since that is the usual FUSE mount under a deploy root.
var linuxFSMagic = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x65735546: "sshfs",
}

func detectFilesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %s: %w", path, err)
	}
	magic := uint64(st.Type)
	if name, ok := linuxFSMagic[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
