//go:build windows
// +build windows

package handler

import "golang.org/x/sys/windows"

// diskUsage returns the size and free space of the volume holding path
func diskUsage(path string) (uint64, uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, 0, err
	}
	return total, free, nil
}
