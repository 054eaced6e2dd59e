//go:build !unix

package trust

// IsPrivileged cannot be determined on this platform; the install is
// attempted and access errors are reported by the store.
func IsPrivileged() bool {
	return true
}
