package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bunsdb/buns/internal/types"
)

// identRe is the strict allow-list for every identifier that gets spliced
// into DDL or query text. Literal values always go through bind parameters;
// identifiers go through this.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const maxIdentLen = 64

// ValidIdentifier reports whether s is safe to use as a SQL identifier.
func ValidIdentifier(s string) bool {
	return len(s) > 0 && len(s) <= maxIdentLen && identRe.MatchString(s)
}

// CheckIdentifier returns ErrInvalidIdentifier when s fails the allow-list.
func CheckIdentifier(s string) error {
	if !ValidIdentifier(s) {
		return fmt.Errorf("%q: %w", s, types.ErrInvalidIdentifier)
	}
	return nil
}

// NormalizeName lowercases a component class name for use in a partition
// table name. The result must still pass the allow-list; names with
// characters outside it are rejected rather than mangled.
func NormalizeName(name string) (string, error) {
	n := strings.ToLower(name)
	if err := CheckIdentifier(n); err != nil {
		return "", err
	}
	return n, nil
}

// PartitionTable returns the partition table name for a component class.
func PartitionTable(className string) (string, error) {
	n, err := NormalizeName(className)
	if err != nil {
		return "", err
	}
	table := "components_" + n
	if len(table) > maxIdentLen {
		return "", fmt.Errorf("partition name %q exceeds %d chars: %w", table, maxIdentLen, types.ErrInvalidIdentifier)
	}
	return table, nil
}
