package marshal

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Marshaller turns segment maps, persisted state and entry batches into
// bytes for persistence and wire transfer. In-process code never goes
// through a Marshaller.
type Marshaller interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	ContentType() string
}

type JSONMarshaller struct {
}

func NewJSONMarshaller() *JSONMarshaller {
	return &JSONMarshaller{}
}

func (marshaller *JSONMarshaller) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (marshaller *JSONMarshaller) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (marshaller *JSONMarshaller) ContentType() string {
	return "application/json; charset=utf8"
}

// ZstdMarshaller compresses the output of another marshaller. Entry
// batches in a state transfer are large and repetitive which makes them
// compress well.
type ZstdMarshaller struct {
	inner   Marshaller
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	lock    sync.Mutex
}

func NewZstdMarshaller(inner Marshaller) (*ZstdMarshaller, error) {
	if inner == nil {
		inner = NewJSONMarshaller()
	}

	encoder, err := zstd.NewWriter(nil)

	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)

	if err != nil {
		encoder.Close()

		return nil, err
	}

	return &ZstdMarshaller{
		inner:   inner,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (marshaller *ZstdMarshaller) Marshal(v interface{}) ([]byte, error) {
	encoded, err := marshaller.inner.Marshal(v)

	if err != nil {
		return nil, err
	}

	return marshaller.encoder.EncodeAll(encoded, make([]byte, 0, len(encoded)/2)), nil
}

func (marshaller *ZstdMarshaller) Unmarshal(data []byte, v interface{}) error {
	decoded, err := marshaller.decoder.DecodeAll(data, nil)

	if err != nil {
		return err
	}

	return marshaller.inner.Unmarshal(decoded, v)
}

func (marshaller *ZstdMarshaller) ContentType() string {
	return "application/zstd"
}

// NewReader streams a compressed body
func (marshaller *ZstdMarshaller) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)

	if err != nil {
		return nil, err
	}

	return decoder.IOReadCloser(), nil
}

func (marshaller *ZstdMarshaller) Close() {
	marshaller.lock.Lock()
	defer marshaller.lock.Unlock()

	if marshaller.encoder != nil {
		marshaller.encoder.Close()
		marshaller.encoder = nil
	}

	if marshaller.decoder != nil {
		marshaller.decoder.Close()
		marshaller.decoder = nil
	}
}

// Encode is a convenience for writing a marshalled value to a writer
func Encode(marshaller Marshaller, w io.Writer, v interface{}) error {
	encoded, err := marshaller.Marshal(v)

	if err != nil {
		return err
	}

	_, err = io.Copy(w, bytes.NewReader(encoded))

	return err
}

func Decode(marshaller Marshaller, r io.Reader, v interface{}) error {
	encoded, err := io.ReadAll(r)

	if err != nil {
		return err
	}

	return marshaller.Unmarshal(encoded, v)
}
