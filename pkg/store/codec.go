package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/elves/evald/pkg/store/storedefs"
)

// Bodies shorter than this are stored as is.
const compressThreshold = 256

// record is the stored form of an entry.
type record struct {
	Time       int64  `cbor:"time"`
	Generation int    `cbor:"gen"`
	EnvPath    string `cbor:"env,omitempty"`
	Code       body   `cbor:"code"`
	Digest     []byte `cbor:"digest"`
	Result     body   `cbor:"result"`
	IsError    bool   `cbor:"error,omitempty"`
	Duration   int64  `cbor:"duration"`
}

// body is a possibly compressed string.
type body struct {
	Zstd bool   `cbor:"zstd,omitempty"`
	Data []byte `cbor:"data"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// Digest returns the hex-encoded BLAKE3 digest of a code chunk.
func Digest(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func marshalEntry(e storedefs.Entry) ([]byte, error) {
	sum := blake3.Sum256([]byte(e.Code))
	return encMode.Marshal(record{
		Time:       e.Time.UnixNano(),
		Generation: e.Generation,
		EnvPath:    e.EnvPath,
		Code:       compress(e.Code),
		Digest:     sum[:],
		Result:     compress(e.Result),
		IsError:    e.IsError,
		Duration:   int64(e.Duration),
	})
}

func unmarshalEntry(seq uint64, data []byte) (storedefs.Entry, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return storedefs.Entry{}, fmt.Errorf("entry %d: %w", seq, err)
	}
	code, err := decompress(r.Code)
	if err != nil {
		return storedefs.Entry{}, fmt.Errorf("entry %d: code: %w", seq, err)
	}
	result, err := decompress(r.Result)
	if err != nil {
		return storedefs.Entry{}, fmt.Errorf("entry %d: result: %w", seq, err)
	}
	return storedefs.Entry{
		Seq:        int(seq),
		Time:       time.Unix(0, r.Time),
		Generation: r.Generation,
		EnvPath:    r.EnvPath,
		Code:       code,
		Digest:     hex.EncodeToString(r.Digest),
		Result:     result,
		IsError:    r.IsError,
		Duration:   time.Duration(r.Duration),
	}, nil
}

func compress(s string) body {
	if len(s) < compressThreshold {
		return body{Data: []byte(s)}
	}
	compressed := zstdEncoder.EncodeAll([]byte(s), nil)
	if len(compressed) >= len(s) {
		return body{Data: []byte(s)}
	}
	return body{Zstd: true, Data: compressed}
}

func decompress(b body) (string, error) {
	if !b.Zstd {
		return string(b.Data), nil
	}
	data, err := zstdDecoder.DecodeAll(b.Data, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(data), nil
}
