package log

import (
	"fmt"

	"go.uber.org/zap"
)

// Op is the field used for the operation being processed.
func Op(op fmt.Stringer) zap.Field {
	return zap.Stringer("op", op)
}

// Object is the field naming a syncable object.
func Object(ti fmt.Stringer) zap.Field {
	return zap.Stringer("object", ti)
}

// Peer is the field naming a remote host.
func Peer(id string) zap.Field {
	return zap.String("peer", id)
}

// Host is the field naming the local host.
func Host(id string) zap.Field {
	return zap.String("host", id)
}

// URI is the field for a transport address.
func URI(uri string) zap.Field {
	return zap.String("uri", uri)
}
