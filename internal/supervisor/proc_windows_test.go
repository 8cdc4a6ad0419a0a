//go:build windows

package supervisor

func processExists(int) bool { return false }
