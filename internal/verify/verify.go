// Package verify holds the image signature collaborator consulted for
// partitions flagged boot-check.
package verify

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/bigbag/papyrix-ota/internal/image"
)

// Origin is the first line of every image statement.
const Origin = "papyrix-ota/v1"

// ErrUnsigned is returned when a boot-checked image carries no signature.
var ErrUnsigned = errors.New("image carries no signature")

// Verifier decides whether an image may be booted.
type Verifier interface {
	Verify(ctx context.Context, desc *image.Descriptor, payload io.ReaderAt) (bool, error)
}

// Nop accepts every image.
type Nop struct{}

// Verify implements Verifier.
func (Nop) Verify(context.Context, *image.Descriptor, io.ReaderAt) (bool, error) {
	return true, nil
}

// NoteVerifier checks the signed note carried in the descriptor against a
// set of trusted keys.
type NoteVerifier struct {
	verifiers note.Verifiers
}

// NewNoteVerifier parses each verifier key (name+hash+key form).
func NewNoteVerifier(keys ...string) (*NoteVerifier, error) {
	if len(keys) == 0 {
		return nil, errors.New("no verifier keys")
	}
	vs := make([]note.Verifier, 0, len(keys))
	for _, k := range keys {
		v, err := note.NewVerifier(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("bad verifier key: %w", err)
		}
		vs = append(vs, v)
	}
	return &NoteVerifier{verifiers: note.VerifierList(vs...)}, nil
}

// Verify opens the note and compares its statement with the image bytes.
// A note signed by an unknown key or with a bad signature is a plain
// rejection; only read failures are returned as errors.
func (v *NoteVerifier) Verify(ctx context.Context, desc *image.Descriptor, payload io.ReaderAt) (bool, error) {
	if len(desc.Signature) == 0 {
		return false, ErrUnsigned
	}
	n, err := note.Open(desc.Signature, v.verifiers)
	if err != nil {
		return false, nil
	}
	want, err := Statement(ctx, desc, payload)
	if err != nil {
		return false, err
	}
	return n.Text == want, nil
}

// Statement returns the note text describing the image.
func Statement(ctx context.Context, desc *image.Descriptor, payload io.ReaderAt) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: io.NewSectionReader(payload, 0, int64(desc.Size))}); err != nil {
		return "", fmt.Errorf("failed to hash payload: %w", err)
	}
	var b strings.Builder
	b.WriteString(Origin + "\n")
	b.WriteString(strconv.FormatUint(uint64(desc.Version), 10) + "\n")
	b.WriteString(strconv.FormatUint(uint64(desc.Size), 10) + "\n")
	b.WriteString(hex.EncodeToString(h.Sum(nil)) + "\n")
	return b.String(), nil
}

// Sign returns a signed note over the image statement.
func Sign(ctx context.Context, skey string, desc *image.Descriptor, payload io.ReaderAt) ([]byte, error) {
	signer, err := note.NewSigner(strings.TrimSpace(skey))
	if err != nil {
		return nil, fmt.Errorf("bad signer key: %w", err)
	}
	text, err := Statement(ctx, desc, payload)
	if err != nil {
		return nil, err
	}
	return note.Sign(&note.Note{Text: text}, signer)
}

// GenerateKey returns a new signer and verifier key pair for name.
func GenerateKey(name string) (skey, vkey string, err error) {
	return note.GenerateKey(rand.Reader, name)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
