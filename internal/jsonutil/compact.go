// Package jsonutil compacts inbound JSON documents under a size limit.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"pkt.systems/jpact"
)

var (
	// ErrTooLarge reports input longer than the configured limit.
	ErrTooLarge = errors.New("json: payload too large")
	// ErrInvalid reports input that is not exactly one JSON value.
	ErrInvalid = errors.New("json: invalid input")
)

const smallJSONThreshold = 2048

// Compact reads one JSON value from r and returns it without insignificant
// whitespace. maxBytes limits the bytes read from r (<=0 disables the limit).
func Compact(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := &limitReader{r: r, remaining: maxBytes, limited: maxBytes > 0}
	head := make([]byte, smallJSONThreshold+1)
	n, err := io.ReadFull(limited, head)
	switch {
	case limited.exceeded:
		return nil, ErrTooLarge
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return compactSmall(head[:n])
	case err != nil:
		return nil, err
	}
	out, err := jpact.CompactToBuffer(io.MultiReader(bytes.NewReader(head[:n]), limited), 0)
	if limited.exceeded {
		return nil, ErrTooLarge
	}
	if err != nil {
		if errors.Is(err, errReadFailed) {
			return nil, err
		}
		return nil, errors.Join(ErrInvalid, err)
	}
	return out, nil
}

// compactSmall handles payloads that fit the threshold in memory.
func compactSmall(payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalid
	}
	if bytes.IndexAny(payload, " \t\r\n") < 0 {
		return payload, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, ErrInvalid
	}
	return buf.Bytes(), nil
}

var errReadFailed = errors.New("json: read failed")

type limitReader struct {
	r         io.Reader
	remaining int64
	limited   bool
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrTooLarge
	}
	if l.limited && int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	if l.limited {
		l.remaining -= int64(n)
		if l.remaining < 0 {
			l.exceeded = true
			return n, ErrTooLarge
		}
	}
	if err != nil && err != io.EOF {
		return n, errors.Join(errReadFailed, err)
	}
	return n, err
}
