package config

import (
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback hosts to host.docker.internal when running
// in a container so Postgres and Redis on the host machine stay reachable.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}

// resolveDockerHosts rewrites the backing-store hosts in place.
func (c *Config) resolveDockerHosts() {
	c.Database.Host = ResolveHostForDocker(c.Database.Host)
	if c.Redis.Host != "" {
		c.Redis.Host = ResolveHostForDocker(c.Redis.Host)
	}
}
