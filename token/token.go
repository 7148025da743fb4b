// Package token implements the ordered token buffer shared by every slot's
// prompt and generated-text state (spec §3 Token buffer / §4.1).
package token

import "fmt"

// ID is a vocabulary token id. Negative values are never valid token ids;
// Media is the sentinel used in TokenBuf for positions occupied by a media
// chunk instead of a text token.
type ID int32

const Media ID = -1

// MediaChunk is an opaque, reference-counted placeholder for a span of a
// TokenBuf occupied by multimodal (vision/audio) content. The actual
// encode/decode work is delegated to the mtmd collaborator (see package
// mtmd); TokenBuf only needs identity, token count and logical position
// count to keep common-prefix and position bookkeeping correct.
type MediaChunk struct {
	// ID distinguishes chunks for common_prefix_len identity comparison:
	// two chunks are "the same" only if they share this id (e.g. the hash
	// of their source bytes), not merely equal field values.
	ID string

	// NTokens is how many consecutive TokenBuf slots this chunk occupies.
	NTokens int

	// NPositions is how many logical rotary positions the chunk advances
	// (can be less than NTokens for multi-dimensional position encodings).
	NPositions int
}

// TokenBuf is an ordered sequence of token ids, some of which may be the
// Media sentinel, plus an auxiliary index of media chunks keyed by their
// starting index. Keys in chunks are strictly increasing in insertion
// order, matching insertion order of the underlying ids.
type TokenBuf struct {
	ids     []ID
	chunks  map[int]*MediaChunk
	hasMtmd bool
}

// New returns an empty buffer. hasMtmd gates push_media: a text-only buffer
// (hasMtmd=false) must never receive media chunks.
func New(hasMtmd bool) *TokenBuf {
	return &TokenBuf{hasMtmd: hasMtmd}
}

// PushText appends a single vocabulary token id.
func (b *TokenBuf) PushText(id ID) {
	b.ids = append(b.ids, id)
}

// PushMedia appends chunk.NTokens Media sentinels and records the chunk at
// the starting index. Panics if the buffer was constructed with
// hasMtmd=false — per spec this is illegal, not a recoverable error.
func (b *TokenBuf) PushMedia(chunk *MediaChunk) {
	if !b.hasMtmd {
		panic("token: PushMedia on a text-only TokenBuf")
	}

	if chunk.NTokens <= 0 {
		panic("token: media chunk must occupy at least one token")
	}

	start := len(b.ids)

	for i := 0; i < chunk.NTokens; i++ {
		b.ids = append(b.ids, Media)
	}

	if b.chunks == nil {
		b.chunks = make(map[int]*MediaChunk)
	}

	b.chunks[start] = chunk
}

// PushBuf appends other's tokens and copies over its media chunks,
// re-keyed by their new starting index.
func (b *TokenBuf) PushBuf(other *TokenBuf) {
	offset := len(b.ids)
	b.ids = append(b.ids, other.ids...)

	for start, chunk := range other.chunks {
		if b.chunks == nil {
			b.chunks = make(map[int]*MediaChunk)
		}

		b.chunks[start+offset] = chunk
	}
}

// TruncateTo keeps only the first n tokens, dropping any media chunk entry
// whose span no longer fits entirely within them.
func (b *TokenBuf) TruncateTo(n int) {
	if n < 0 {
		n = 0
	}

	if n >= len(b.ids) {
		return
	}

	b.ids = b.ids[:n]

	for start, chunk := range b.chunks {
		if start+chunk.NTokens > n {
			delete(b.chunks, start)
		}
	}
}

// Len returns the number of token slots (text ids + media sentinels).
func (b *TokenBuf) Len() int { return len(b.ids) }

// TextTokenAt returns the id at index i. Panics on a Media sentinel, per
// spec's distinction between "text-token ids" and "entries standing for
// media chunks".
func (b *TokenBuf) TextTokenAt(i int) ID {
	id := b.ids[i]
	if id == Media {
		panic(fmt.Sprintf("token: index %d is a media sentinel, not a text token", i))
	}

	return id
}

// At returns the raw id at index i, which may be Media.
func (b *TokenBuf) At(i int) ID { return b.ids[i] }

// ChunkAt returns the media chunk starting at index i, if any.
func (b *TokenBuf) ChunkAt(i int) (*MediaChunk, bool) {
	c, ok := b.chunks[i]
	return c, ok
}

// HasMtmd reports whether this buffer is allowed to carry media chunks.
func (b *TokenBuf) HasMtmd() bool { return b.hasMtmd }

// PosNext returns the logical rotary position the next pushed token would
// occupy: the sum of 1 per plain text token, plus each chunk's NPositions
// (not NTokens) for the tokens it occupies.
func (b *TokenBuf) PosNext() int {
	if len(b.chunks) == 0 {
		return len(b.ids)
	}

	pos := 0
	i := 0

	for i < len(b.ids) {
		if chunk, ok := b.chunks[i]; ok {
			pos += chunk.NPositions
			i += chunk.NTokens

			continue
		}

		pos++
		i++
	}

	return pos
}

// CommonPrefixLen returns the largest k such that the first k tokens of b
// equal those of other: text ids compare by value, Media positions compare
// by the identity (ID field) of the chunk occupying that start index. Per
// spec this must be symmetric and equal to b.Len() when other is a clone
// of b.
func (b *TokenBuf) CommonPrefixLen(other *TokenBuf) int {
	n := min(len(b.ids), len(other.ids))

	for i := 0; i < n; i++ {
		a, c := b.ids[i], other.ids[i]
		if a != c {
			return i
		}

		if a == Media {
			ca, okA := b.chunks[i]
			cb, okB := other.chunks[i]

			if okA != okB {
				return i
			}

			if okA && ca.ID != cb.ID {
				return i
			}
		}
	}

	return n
}

// Clone returns a deep-enough copy: a new backing slice and chunk map, but
// MediaChunk values themselves are shared (they're reference-counted by
// convention, not owned).
func (b *TokenBuf) Clone() *TokenBuf {
	out := &TokenBuf{
		ids:     append([]ID(nil), b.ids...),
		hasMtmd: b.hasMtmd,
	}

	if len(b.chunks) > 0 {
		out.chunks = make(map[int]*MediaChunk, len(b.chunks))
		for k, v := range b.chunks {
			out.chunks[k] = v
		}
	}

	return out
}

// Clear empties the buffer in place.
func (b *TokenBuf) Clear() {
	b.ids = b.ids[:0]
	b.chunks = nil
}

// IDs returns the raw underlying slice for read-only iteration by callers
// that need to hand tokens to the backend (e.g. batch assembly). Callers
// must not mutate the returned slice.
func (b *TokenBuf) IDs() []ID { return b.ids }

// Detokenizer is the subset of the backend collaborator TokenBuf needs to
// render itself back to text.
type Detokenizer interface {
	Detokenize(ids []ID, special bool) (string, error)
}

// Detokenize renders the text-token portion of the buffer back to a string
// via backend. Media sentinels are skipped (they have no text form).
func (b *TokenBuf) Detokenize(backend Detokenizer, special bool) (string, error) {
	textIDs := make([]ID, 0, len(b.ids))

	for _, id := range b.ids {
		if id != Media {
			textIDs = append(textIDs, id)
		}
	}

	return backend.Detokenize(textIDs, special)
}
