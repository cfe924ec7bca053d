package util

import (
	"os"
	"strings"

	"golang.org/x/term"
)

/*
   references:
   - https://no-color.org/
   - https://github.com/sitkevij/no_color
*/

// IsTerminal checks if stdout is a terminal using golang.org/x/term.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColors determines if coloured output should be used
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if tunnelColors := os.Getenv("TLS_TUNNEL_FORCE_COLORS"); tunnelColors != "" {
		return strings.ToLower(tunnelColors) == "true"
	}

	return IsTerminal()
}
