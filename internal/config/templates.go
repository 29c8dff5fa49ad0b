package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server", "uactl":
		return serverTemplate, nil
	case "env":
		return envTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `id = "uactl"
listen = ":4840"
endpoint = "opc.tcp://localhost:4840"
admin_addr = "127.0.0.1:9840"
# admin_token = "change-me"
cors_origins = ["http://localhost:3000"]

[transport]
receive_buffer_size = 65535
send_buffer_size = 65535
max_message_size = 16777216
max_chunk_count = 0
requested_lifetime = "10m"
token_grace = 0.25
renew_fraction = 0.75
handshake_timeout = "5s"
request_timeout = "15s"
write_timeout = "15s"
write_queue = 64
listener_workers = 4
`

const envTemplate = `UACTL_ID=uactl
UACTL_LISTEN=:4840
UACTL_ENDPOINT=opc.tcp://localhost:4840
UACTL_ADMIN_ADDR=127.0.0.1:9840
UACTL_ADMIN_TOKEN=
UACTL_CORS_ORIGINS=http://localhost:3000
UACTL_TRANSPORT_REQUESTED_LIFETIME=10m
`
