package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rbright/oslctl/internal/localsock"
)

var (
	portKeys = []string{"server_port", "port", "tcp_port"}
	hostKeys = []string{"server_address", "host", "address", "server_host"}
)

// ServerInfo is the content of the file the engine writes once its TCP server listens.
type ServerInfo struct {
	Host string
	Port int
}

// Endpoint returns the command endpoint. Wildcard hosts map to loopback.
func (i ServerInfo) Endpoint() localsock.Endpoint {
	host := i.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return localsock.TCP(host, i.Port)
}

// ReadServerInfo parses the server-info file. Keys are matched case-insensitively in any
// section; a file without a valid port is not ready yet.
func ReadServerInfo(path string) (ServerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerInfo{}, err
	}
	return ParseServerInfo(data)
}

func ParseServerInfo(data []byte) (ServerInfo, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:             true,
		SkipUnrecognizableLines: true,
	}, data)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("parse server info: %w", err)
	}

	var info ServerInfo
	for _, section := range file.Sections() {
		if info.Port == 0 {
			if raw := firstKey(section, portKeys); raw != "" {
				port, err := strconv.Atoi(raw)
				if err != nil || port <= 0 || port > 65535 {
					return ServerInfo{}, fmt.Errorf("parse server info: invalid port %q", raw)
				}
				info.Port = port
			}
		}
		if info.Host == "" {
			info.Host = firstKey(section, hostKeys)
		}
	}
	if info.Port == 0 {
		return ServerInfo{}, errors.New("parse server info: no port entry")
	}
	return info, nil
}

func firstKey(section *ini.Section, keys []string) string {
	for _, k := range keys {
		if section.HasKey(k) {
			if v := strings.TrimSpace(section.Key(k).String()); v != "" {
				return v
			}
		}
	}
	return ""
}
