//go:build !windows

package localsock

func isPlatformRefused(error) bool { return false }
