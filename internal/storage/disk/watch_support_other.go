//go:build !linux

package disk

func queueWatchSupported(string) bool { return true }
