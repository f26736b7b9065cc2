// Package credentials loads remote API bearer tokens from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultService is the credentials section used by the timeline executor.
const DefaultService = "twitter"

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds bearer tokens loaded from credentials.toml, one
// section per remote service:
//
//	[twitter]
//	bearer_token = "AAAA..."
type Credentials struct {
	services map[string]*ServiceCreds
}

// ServiceCreds holds credentials for a single remote service.
type ServiceCreds struct {
	BearerToken string `toml:"bearer_token"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "ttbridge", "credentials.toml"),
			filepath.Join(home, ".ttbridge", "credentials.toml"),
		)
	}

	return paths
}

// Load loads credentials from the first available standard location.
// A missing file is not an error: it returns nil credentials and an empty path.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFrom loads path when it is set and falls back to Load otherwise.
func LoadFrom(path string) (*Credentials, string, error) {
	if path == "" {
		return Load()
	}
	creds, err := LoadFile(path)
	return creds, path, err
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions unless the file mode is exactly 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]ServiceCreds
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	creds := &Credentials{services: make(map[string]*ServiceCreds, len(raw))}
	for name, section := range raw {
		if section.BearerToken == "" {
			continue
		}
		s := section
		creds.services[normalize(name)] = &s
	}
	return creds, nil
}

// BearerToken returns the token for a service.
// Priority: [service] section > <SERVICE>_BEARER_TOKEN environment variable.
func (c *Credentials) BearerToken(service string) string {
	if c != nil {
		if s, ok := c.services[normalize(service)]; ok {
			return s.BearerToken
		}
	}
	return os.Getenv(EnvVar(service))
}

// Services lists the sections that carry a token.
func (c *Credentials) Services() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	return names
}

// EnvVar returns the environment variable consulted for a service.
func EnvVar(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_BEARER_TOKEN"
}

func normalize(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}
