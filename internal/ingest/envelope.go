// Package ingest accepts batches of sealed event envelopes from browsers,
// opens and validates each one, and persists the valid subset in a single
// statement.
package ingest

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"eventpulse/internal/types"
)

// Envelope encodings.
const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"
)

// maxPlaintext caps a decompressed event.
const maxPlaintext = 64 << 10

// Envelope is one XChaCha20-Poly1305 sealed event.
type Envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Encoding   string `json:"encoding,omitempty"`
}

// Batch is the ingestion request body.
type Batch struct {
	Envelopes []Envelope `json:"envelopes"`
}

// Opener decrypts envelopes with the shared ingestion key.
type Opener struct {
	aead     cipher.AEAD
	decoders sync.Pool
}

// NewOpener parses a hex-encoded 32-byte key.
func NewOpener(hexKey string) (*Opener, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating envelope cipher: %w", err)
	}
	return &Opener{
		aead: aead,
		decoders: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
					zstd.WithDecoderMaxMemory(maxPlaintext))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Open authenticates, decrypts and decodes one envelope. Every failure is a
// validation_invalid_envelope AppError.
func (o *Opener) Open(env Envelope) (types.IncomingEvent, error) {
	var ev types.IncomingEvent

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != o.aead.NonceSize() {
		return ev, envelopeError("nonce must be 24 base64-encoded bytes", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return ev, envelopeError("ciphertext is not valid base64", err)
	}
	plain, err := o.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ev, envelopeError("envelope authentication failed", err)
	}

	switch env.Encoding {
	case "", EncodingJSON:
	case EncodingZstd:
		if plain, err = o.decompress(plain); err != nil {
			return ev, envelopeError("envelope is not valid zstd", err)
		}
	default:
		return ev, envelopeError(fmt.Sprintf("unsupported encoding %q", env.Encoding), nil)
	}

	if err := json.Unmarshal(plain, &ev); err != nil {
		return ev, types.NewAppError(types.ErrCodeValidationInvalidEvent, "event is not valid JSON", err)
	}
	return ev, nil
}

func (o *Opener) decompress(data []byte) ([]byte, error) {
	d := o.decoders.Get().(*zstd.Decoder)
	defer o.decoders.Put(d)
	out, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > maxPlaintext {
		return nil, fmt.Errorf("decompressed event exceeds %d bytes", maxPlaintext)
	}
	return out, nil
}

func envelopeError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationInvalidEnvelope, msg, err)
}

// Seal produces an envelope for plaintext, compressing it when compress is
// set. It is the client side of Open.
func Seal(hexKey string, plaintext []byte, compress bool) (Envelope, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Envelope{}, err
	}

	encoding := EncodingJSON
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return Envelope{}, err
		}
		plaintext = enc.EncodeAll(plaintext, nil)
		_ = enc.Close()
		encoding = EncodingZstd
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
		Encoding:   encoding,
	}, nil
}
