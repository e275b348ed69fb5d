// Package security validates identifiers that get spliced into filesystem
// paths.
package security

import (
	"fmt"
	"strings"
)

// ValidatePathComponent checks that name can serve as a single path element
// beneath a managed directory. Sequence IDs and config hashes become cache
// directory names, and some arrive from the command line; rejecting dot
// names, separators, and NUL here means an identifier can never address
// anything outside its own subtree.
func ValidatePathComponent(name string) error {
	if name == "" {
		return fmt.Errorf("empty path component")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("path component %q is reserved", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("path component %q contains a path separator", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("path component contains NUL")
	}
	return nil
}
