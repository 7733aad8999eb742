package realtime

import (
	"fmt"
	"strings"
)

// Version is the stream protocol version requested by a client.
type Version string

const (
	// V1 is the default protocol served from the durable store.
	V1 Version = "v1"

	// V2 is served by the external sequenced log service.
	V2 Version = "v2"

	// VersionHeader marks responses with the protocol version that produced them.
	VersionHeader = "X-Stream-Version"
)

// ParseVersion maps a wire value to a Version. An empty value is V1.
func ParseVersion(s string) (Version, error) {
	switch Version(strings.ToLower(strings.TrimSpace(s))) {
	case "", V1:
		return V1, nil
	case V2:
		return V2, nil
	default:
		return "", fmt.Errorf("unsupported stream version %q", s)
	}
}
