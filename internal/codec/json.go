package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// jsonParser walks the document token by token so records keep their key
// order and each one can be traced to its line.
type jsonParser struct {
	data   []byte
	source string
	dec    *json.Decoder
}

func decodeJSON(r io.Reader, source string) (core.Dataset, []core.ValidationError, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", source, err)
	}
	p := &jsonParser{data: data, source: source, dec: json.NewDecoder(bytes.NewReader(data))}
	ds, diag := p.document()
	if diag != nil {
		return ds, []core.ValidationError{*diag}, nil
	}
	return ds, nil, nil
}

func (p *jsonParser) document() (core.Dataset, *core.ValidationError) {
	ds := make(core.Dataset)

	tok, err := p.dec.Token()
	if err == io.EOF {
		return nil, p.fail(0, 0, "empty document")
	}
	if err != nil {
		return nil, p.syntax(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, p.fail(0, 0, "document must be an object keyed by entity kind")
	}

	for p.dec.More() {
		tok, err := p.dec.Token()
		if err != nil {
			return ds, p.syntax(err)
		}
		kind := core.EntityKind(tok.(string))
		recs, diag := p.records(kind)
		if diag != nil {
			return ds, diag
		}
		ds[kind] = append(ds[kind], recs...)
	}
	if _, err := p.dec.Token(); err != nil {
		return ds, p.syntax(err)
	}
	if _, err := p.dec.Token(); err != io.EOF {
		return ds, p.fail(p.dec.InputOffset(), 0, "unexpected data after the document")
	}
	return ds, nil
}

func (p *jsonParser) records(kind core.EntityKind) ([]*core.Record, *core.ValidationError) {
	offset := p.dec.InputOffset()
	tok, err := p.dec.Token()
	if err != nil {
		return nil, p.syntax(err)
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		e := structural(p.source, p.startLine(offset), 0, "%s must be a list of records", kind)
		return nil, &e
	}

	var out []*core.Record
	for i := 0; p.dec.More(); i++ {
		line := p.startLine(p.dec.InputOffset())
		tok, err := p.dec.Token()
		if err != nil {
			return out, p.syntax(err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			e := structural(p.source, line, i, "%s record %d is not an object", kind, i+1)
			return out, &e
		}

		rec := core.NewRecord(kind, core.Locator{Source: p.source, Line: line, Index: i})
		for p.dec.More() {
			key, err := p.dec.Token()
			if err != nil {
				return out, p.syntax(err)
			}
			var v any
			if err := p.dec.Decode(&v); err != nil {
				return out, p.syntax(err)
			}
			rec.Set(key.(string), v)
		}
		if _, err := p.dec.Token(); err != nil {
			return out, p.syntax(err)
		}
		out = append(out, rec)
	}
	if _, err := p.dec.Token(); err != nil {
		return out, p.syntax(err)
	}
	return out, nil
}

// startLine returns the 1-based line of the first token at or after offset.
func (p *jsonParser) startLine(offset int64) int {
	i := min(int(offset), len(p.data))
skip:
	for i < len(p.data) {
		switch p.data[i] {
		case ' ', '\t', '\r', '\n', ',', ':':
			i++
		default:
			break skip
		}
	}
	return p.lineAt(int64(i))
}

// lineAt returns the 1-based line containing offset.
func (p *jsonParser) lineAt(offset int64) int {
	return bytes.Count(p.data[:min(int(offset), len(p.data))], []byte{'\n'}) + 1
}

func (p *jsonParser) syntax(err error) *core.ValidationError {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		// Offsets of value errors are relative to the value, so locate
		// the failure by the decoder position instead.
		e := structural(p.source, p.startLine(p.dec.InputOffset()), 0, "invalid JSON: %v", se)
		return &e
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return p.fail(int64(len(p.data)), 0, "invalid JSON: unexpected end of input")
	}
	return p.fail(p.dec.InputOffset(), 0, "invalid JSON: %v", err)
}

func (p *jsonParser) fail(offset int64, index int, format string, args ...any) *core.ValidationError {
	line := 0
	if offset > 0 {
		line = p.lineAt(offset)
	}
	e := structural(p.source, line, index, format, args...)
	return &e
}

// encodeJSON writes a root object with kinds in order and records with keys
// in insertion order.
func encodeJSON(w io.Writer, ds core.Dataset, order []core.EntityKind) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kind := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(kind))
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')

		recs := ds[kind]
		if recs == nil {
			recs = []*core.Record{}
		}
		body, err := json.Marshal(recs)
		if err != nil {
			return fmt.Errorf("encode %s: %w", kind, err)
		}
		buf.Write(body)
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
