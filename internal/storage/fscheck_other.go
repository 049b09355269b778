//go:build !darwin && !linux

package storage

import "errors"

var errNoStatfs = errors.New("filesystem type detection not supported on this platform")

func detectFilesystemType(string) (string, error) {
	return "", errNoStatfs
}
