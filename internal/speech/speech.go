// Package speech talks to the conversational backend that turns a user's
// utterance into the agent's reply.
package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// ErrUnavailable wraps every transport or protocol failure of a backend.
var ErrUnavailable = fmt.Errorf("%w: speech backend", errdefs.ErrUnavailable)

// Reply is the agent's answer to one utterance.
type Reply struct {
	Audio      []byte // synthesized speech, may be empty for text-only replies
	Transcript string
}

// Backend processes one utterance per call. Implementations must honor ctx.
type Backend interface {
	ProcessAudio(ctx context.Context, audio []byte) (*Reply, error)
	ProcessText(ctx context.Context, text string) (*Reply, error)
}

// decodeAudio accepts plain base64 or a data URL.
func decodeAudio(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed audio payload: %w", ErrUnavailable, err)
	}
	return b, nil
}
