package parallel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/x448/float16"

	"github.com/anyres/anyres/ml"
)

// Activation hand-off between pipeline stages: a cbor header describing
// the tensor followed by its raw bytes, lz4-compressed when large enough
// to be worth it. Bodies below this size compress poorly and skip the
// round trip.
const compressThreshold = 1 << 10

type wireHeader struct {
	DType      int   `cbor:"1,keyasint"`
	Shape      []int `cbor:"2,keyasint"`
	Compressed bool  `cbor:"3,keyasint"`
	BodyLen    int   `cbor:"4,keyasint"`
}

// TransferError wraps a failed activation transfer.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("activation transfer %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Send writes t to w. Half-precision tensors travel at half width.
func Send(w io.Writer, t ml.Tensor) error {
	body := t.Bytes()

	hdr := wireHeader{
		DType:   int(t.DType()),
		Shape:   t.Shape(),
		BodyLen: len(body),
	}

	if len(body) >= compressThreshold {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return &TransferError{Op: "compress", Err: err}
		}
		if err := zw.Close(); err != nil {
			return &TransferError{Op: "compress", Err: err}
		}

		hdr.Compressed = true
		body = buf.Bytes()
	}

	hdrBytes, err := cbor.Marshal(hdr)
	if err != nil {
		return &TransferError{Op: "encode header", Err: err}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(hdrBytes))); err != nil {
		return &TransferError{Op: "write", Err: err}
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return &TransferError{Op: "write", Err: err}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(body))); err != nil {
		return &TransferError{Op: "write", Err: err}
	}
	if _, err := w.Write(body); err != nil {
		return &TransferError{Op: "write", Err: err}
	}

	return nil
}

// Recv reads one tensor from r into ctx. Half-precision payloads are
// widened to float32 on receipt.
func Recv(r io.Reader, ctx ml.Context) (ml.Tensor, error) {
	var hdrLen uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return nil, &TransferError{Op: "read", Err: err}
	}

	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return nil, &TransferError{Op: "read", Err: err}
	}

	var hdr wireHeader
	if err := cbor.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, &TransferError{Op: "decode header", Err: err}
	}

	var bodyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bodyLen); err != nil {
		return nil, &TransferError{Op: "read", Err: err}
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &TransferError{Op: "read", Err: err}
	}

	if hdr.Compressed {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(body))); err != nil {
			return nil, &TransferError{Op: "decompress", Err: err}
		}

		body = buf.Bytes()
	}

	if len(body) != hdr.BodyLen {
		return nil, &TransferError{Op: "decode", Err: fmt.Errorf("body length %d, header says %d", len(body), hdr.BodyLen)}
	}

	switch ml.DType(hdr.DType) {
	case ml.DTypeI32:
		s := make([]int32, len(body)/4)
		for i := range s {
			s[i] = int32(binary.LittleEndian.Uint32(body[4*i:]))
		}
		return ctx.FromInts(s, hdr.Shape...), nil
	case ml.DTypeF16:
		s := make([]float32, len(body)/2)
		for i := range s {
			s[i] = float16.Frombits(binary.LittleEndian.Uint16(body[2*i:])).Float32()
		}
		return ctx.FromFloats(s, hdr.Shape...), nil
	default:
		s := make([]float32, len(body)/4)
		for i := range s {
			s[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
		}
		return ctx.FromFloats(s, hdr.Shape...), nil
	}
}
