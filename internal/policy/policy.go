// Package policy holds the guards a command must pass before it touches a
// provider or a wallet.
package policy

import (
	"fmt"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/registry"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		allowed = normalize(allowed)
		// "squeeze" allows "squeeze plan" and "squeeze run".
		if allowed == normPath || strings.HasPrefix(normPath, allowed+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckDestination rejects destination chains outside the allow-list.
func CheckDestination(chainID int64) error {
	if registry.IsAllowedDestination(chainID) {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("chain %d is not an allowed destination", chainID))
}

// CheckExecution requires explicit confirmation before anything is signed.
func CheckExecution(confirmed bool) error {
	if confirmed {
		return nil
	}
	return clierr.New(clierr.CodeUsage, "refusing to submit transactions without --yes")
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
