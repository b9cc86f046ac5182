//go:build !unix

package disk

import "os"

// Without fcntl only the in-process key mutex serialises writers.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
