package backend

import (
	"bytes"
	"io"
)

// URLRewriter streams bytes through to an underlying io.Writer, replacing
// every occurrence of oldBase with newBase. It holds back at most
// len(oldBase)-1 trailing bytes between Write calls — a match split across
// two network reads is still caught — and never buffers the full body, per
// spec.md §4.5.
type URLRewriter struct {
	w        io.Writer
	old, new []byte
	pending  []byte
}

// NewURLRewriter wraps w, rewriting oldBase to newBase in every Write.
func NewURLRewriter(w io.Writer, oldBase, newBase string) *URLRewriter {
	return &URLRewriter{w: w, old: []byte(oldBase), new: []byte(newBase)}
}

func (r *URLRewriter) Write(p []byte) (int, error) {
	n := len(p)
	data := append(r.pending, p...)

	cut := len(data)
	if len(r.old) > 1 {
		for l := 1; l < len(r.old) && l <= len(data); l++ {
			if bytes.Equal(data[len(data)-l:], r.old[:l]) {
				cut = len(data) - l
				break
			}
		}
	}

	toWrite := data[:cut]
	replaced := bytes.ReplaceAll(toWrite, r.old, r.new)
	if _, err := r.w.Write(replaced); err != nil {
		return 0, err
	}
	r.pending = append([]byte(nil), data[cut:]...)
	return n, nil
}

// Flush writes out any held-back bytes unmodified (they could not possibly
// complete a match) and must be called once the source is exhausted.
func (r *URLRewriter) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	_, err := r.w.Write(r.pending)
	r.pending = nil
	return err
}
