package config

import (
	"os"
	"regexp"
	"strings"
)

var envExpandPattern = regexp.MustCompile(`\$env\{([^}]+)\}`)

// ExpandPath resolves $env{VAR} references and a leading ~ in a source
// path, per spec §6's "environment-variable expansion of the form
// $env{VAR} and home-directory expansion".
func ExpandPath(path string) string {
	path = envExpandPattern.ReplaceAllStringFunc(path, func(match string) string {
		name := envExpandPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + strings.TrimPrefix(path, "~")
		}
	}

	return path
}
