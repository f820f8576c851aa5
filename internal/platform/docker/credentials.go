package docker

import (
	"strings"

	"github.com/distribution/reference"
)

// RegistryAuth holds pull credentials for one registry.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credentials maps a registry host (or image prefix) to its credentials.
type Credentials map[string]RegistryAuth

// Lookup resolves the credentials for an image. The image's registry domain
// is tried first, then the longest key that prefixes the image reference.
func (c Credentials) Lookup(image string) (string, RegistryAuth, bool) {
	if len(c) == 0 {
		return "", RegistryAuth{}, false
	}

	if named, err := reference.ParseNormalizedNamed(image); err == nil {
		host := reference.Domain(named)
		if auth, ok := c[host]; ok {
			return host, auth, true
		}
	}

	best := ""
	for prefix := range c {
		if strings.HasPrefix(image, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "", RegistryAuth{}, false
	}
	return registryHost(best), c[best], true
}

// registryHost keeps the host part of a prefix such as "registry.example.com/team".
func registryHost(prefix string) string {
	host, _, _ := strings.Cut(prefix, "/")
	return host
}
