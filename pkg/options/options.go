// Package options defines the reusable flag-backed configuration blocks
// shared by the SDK's commands.
package options

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every options block so commands can compose
// them uniformly.
type IOptions interface {
	// Validate checks the parameters entered by the user at the command
	// line when the program starts.
	Validate() []error

	// AddFlags adds the block's flags to the specified FlagSet.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress checks that addr is a host:port the server can bind.
func ValidateAddress(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}
