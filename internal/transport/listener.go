package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nthop/corebfd/internal/bfdcore"
)

// packetPool reuses MaxPacketSize buffers across the receive hot path.
var packetPool = sync.Pool{
	New: func() any {
		b := make([]byte, bfdcore.MaxPacketSize)
		return &b
	},
}

// Listener pairs a PacketConn with the hop-type it was opened for, dropping
// TTL-invalid datagrams per RFC 5082 GTSM before returning them to a caller.
type Listener struct {
	conn     PacketConn
	multiHop bool
}

// NewListener wraps an already-open PacketConn.
func NewListener(conn PacketConn, multiHop bool) *Listener {
	return &Listener{conn: conn, multiHop: multiHop}
}

// Recv reads one validated datagram, retrying silently on a GTSM failure
// until ctx is cancelled. A read error is returned, wrapped, to the caller.
func (l *Listener) Recv(ctx context.Context) ([]byte, PacketMeta, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, PacketMeta{}, err
		}

		bufp := packetPool.Get().(*[]byte)
		n, meta, err := l.conn.ReadPacket(*bufp)
		if err != nil {
			packetPool.Put(bufp)
			return nil, PacketMeta{}, fmt.Errorf("listener recv: %w", err)
		}

		if err := ValidateTTL(meta, l.multiHop); err != nil {
			packetPool.Put(bufp)
			continue
		}

		out := make([]byte, n)
		copy(out, (*bufp)[:n])
		packetPool.Put(bufp)
		return out, meta, nil
	}
}

func (l *Listener) Close() error {
	return l.conn.Close()
}
