package decoder

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextDecoder accumulates a plain UTF-8 body. A multi-byte character split across two chunks
// is held back until the rest of it arrives; invalid bytes decode to U+FFFD.
type TextDecoder struct {
	utf8    transform.Transformer
	pending []byte
	text    strings.Builder
}

// NewTextDecoder returns an empty TextDecoder.
func NewTextDecoder() *TextDecoder {
	return &TextDecoder{utf8: unicode.UTF8.NewDecoder()}
}

func (d *TextDecoder) Feed(chunk []byte) (Update, error) {
	return d.consume(chunk, false)
}

func (d *TextDecoder) Finish() (Update, error) {
	return d.consume(nil, true)
}

func (d *TextDecoder) Text() string {
	return d.text.String()
}

func (d *TextDecoder) consume(chunk []byte, atEOF bool) (Update, error) {
	decoded, err := d.decode(chunk, atEOF)
	if err != nil {
		return Update{Text: d.text.String()}, err
	}
	d.text.WriteString(decoded)
	return Update{Text: d.text.String(), Changed: decoded != "", Done: atEOF}, nil
}

// decode converts as much of the pending input as forms complete characters.
func (d *TextDecoder) decode(chunk []byte, atEOF bool) (string, error) {
	d.pending = append(d.pending, chunk...)
	if len(d.pending) == 0 {
		return "", nil
	}

	var out []byte
	// invalid bytes expand to a 3-byte replacement character
	dst := make([]byte, len(d.pending)*3+utf8.UTFMax)
	for {
		nDst, nSrc, err := d.utf8.Transform(dst, d.pending, atEOF)
		out = append(out, dst[:nDst]...)
		d.pending = append(d.pending[:0], d.pending[nSrc:]...)

		switch {
		case err == nil:
			return string(out), nil
		case errors.Is(err, transform.ErrShortSrc):
			return string(out), nil
		case errors.Is(err, transform.ErrShortDst):
			if nSrc == 0 {
				dst = make([]byte, len(dst)*2)
			}
		default:
			return string(out), err
		}
	}
}
