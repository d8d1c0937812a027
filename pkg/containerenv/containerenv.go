// Package containerenv discovers the container context the server runs in so
// worker containers can reach it: the container id, the compose network, and
// the advertised server URL.
package containerenv

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/client"

	"github.com/kanbeast/kanbeast/pkg/logger"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{12}$`)

// ContainerID returns the id of the container this process runs in. Sources
// in order: a 12-hex /etc/hostname, a /proc/1/cpuset path containing
// "/docker/", and finally the bare presence of /.dockerenv (id unknown).
func ContainerID() (string, bool) {
	if raw, err := os.ReadFile("/etc/hostname"); err == nil {
		name := strings.TrimSpace(string(raw))
		if hexID.MatchString(name) {
			return name, true
		}
	}
	if raw, err := os.ReadFile("/proc/1/cpuset"); err == nil {
		path := strings.TrimSpace(string(raw))
		if idx := strings.Index(path, "/docker/"); idx != -1 {
			id := path[idx+len("/docker/"):]
			if len(id) >= 12 {
				return id[:12], true
			}
		}
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "", true
	}
	return "", false
}

// InContainer reports whether the process is containerized at all.
func InContainer() bool {
	_, ok := ContainerID()
	return ok
}

// Context is what workers need to reach the server.
type Context struct {
	ContainerID   string
	ContainerName string
	Network       string
	ServerURL     string
}

var defaultNetworks = map[string]bool{"bridge": true, "host": true, "none": true}

// Discover inspects the running container over the docker socket: the
// container name, the first non-default network, and the first exposed port
// yield the URL workers dial. Outside a container, or without a docker
// socket, it falls back to localhost on the given port.
func Discover(ctx context.Context, fallbackPort int) *Context {
	out := &Context{ServerURL: fmt.Sprintf("http://localhost:%d", fallbackPort)}

	id, ok := ContainerID()
	if !ok {
		return out
	}
	out.ContainerID = id
	if id == "" {
		return out
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.WarnCF("containerenv", "No docker client; using localhost",
			map[string]any{"error": err.Error()})
		return out
	}
	defer cli.Close()

	inspect, err := cli.ContainerInspect(ctx, id)
	if err != nil {
		logger.WarnCF("containerenv", "Container inspect failed; using localhost",
			map[string]any{"container_id": id, "error": err.Error()})
		return out
	}

	out.ContainerName = strings.TrimPrefix(inspect.Name, "/")

	if inspect.NetworkSettings != nil {
		for name := range inspect.NetworkSettings.Networks {
			if !defaultNetworks[name] {
				out.Network = name
				break
			}
		}
	}

	port := fallbackPort
	if inspect.Config != nil {
		for exposed := range inspect.Config.ExposedPorts {
			if n, err := strconv.Atoi(exposed.Port()); err == nil {
				port = n
				break
			}
		}
	}

	if out.ContainerName != "" {
		out.ServerURL = fmt.Sprintf("http://%s:%d", out.ContainerName, port)
	}
	return out
}
