package authority

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for msgpack-encoded envelopes.
const CodecName = "msgpack"

// codec lets gRPC carry protocol envelopes as msgpack instead of protobuf.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}
