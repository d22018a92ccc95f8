package keys

import (
	"context"
	"time"

	"github.com/gathersocial/gather/internal/protocol"
)

// LocalSigner signs events with a key held in process. It satisfies the
// outbox signer contract; a delegated/extension signer would implement the
// same method against an external capability.
type LocalSigner struct {
	Key *SecretKey
}

func (s LocalSigner) Sign(_ context.Context, ev *protocol.Event) error {
	return s.Key.Sign(ev, time.Now().Unix())
}
