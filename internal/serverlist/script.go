package serverlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrScript is wrapped by every ServerList.dat parse failure.
var ErrScript = errors.New("serverlist: script error")

// ScriptError locates a parse failure.
type ScriptError struct {
	Path string
	Line int
	Msg  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Path, e.Line, e.Msg)
}

func (e *ScriptError) Unwrap() error { return ErrScript }

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokEndLine
	tokEndSection
	tokInvalid
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of file"
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokEndLine:
		return "end of line"
	case tokEndSection:
		return "end"
	}
	return "invalid character"
}

// scanner tokenizes the ServerList.dat format: // comments, numbers made
// of digits . - and *, double-quoted strings that cannot span lines, and
// barewords. The bareword "end" closes the section.
type scanner struct {
	r    *bufio.Reader
	path string
	line int

	number float64
	text   string
}

func newScanner(r io.Reader, path string) *scanner {
	// A leading UTF-8 BOM is consumed; other input passes through untouched.
	dec := unicode.BOMOverride(transform.Nop)
	return &scanner{
		r:    bufio.NewReader(transform.NewReader(r, dec)),
		path: path,
		line: 1,
	}
}

func (s *scanner) errorf(format string, args ...interface{}) error {
	return &ScriptError{Path: s.path, Line: s.line, Msg: fmt.Sprintf(format, args...)}
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool  { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isNumber(c byte) bool { return isDigit(c) || c == '.' || c == '-' || c == '*' }
func isSpace(c byte) bool  { return c == ' ' || c == '\t' || c == '\r' || c == '\v' || c == '\f' }

// next returns the following token. With stopAtNewline a line break is
// reported as tokEndLine instead of being skipped.
func (s *scanner) next(stopAtNewline bool) tokenKind {
	s.number, s.text = -1, ""

	var c byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return tokEOF
		}
		c = b

		if c == '/' {
			if nb, err := s.r.ReadByte(); err == nil && nb == '/' {
				if _, err := s.r.ReadString('\n'); err != nil {
					return tokEOF
				}
				c = '\n'
			} else if err == nil {
				s.r.UnreadByte()
			}
		}

		if c == '\n' {
			s.line++
			if stopAtNewline {
				return tokEndLine
			}
			continue
		}
		if !isSpace(c) {
			break
		}
	}

	switch {
	case isNumber(c):
		buf := []byte{c}
		for {
			b, err := s.r.ReadByte()
			if err != nil {
				break
			}
			if !isNumber(b) {
				s.r.UnreadByte()
				break
			}
			buf = append(buf, b)
		}
		s.number = parseNumber(string(buf))
		return tokNumber

	case c == '"':
		var buf []byte
		for {
			b, err := s.r.ReadByte()
			if err != nil {
				s.text = string(buf)
				return tokEOF
			}
			if b == '"' {
				s.text = string(buf)
				return tokString
			}
			if b == '\n' {
				s.r.UnreadByte()
				s.text = string(buf)
				return tokEndLine
			}
			buf = append(buf, b)
		}

	case isAlpha(c):
		buf := []byte{c}
		for {
			b, err := s.r.ReadByte()
			if err != nil {
				break
			}
			if b != '.' && b != '_' && !isAlpha(b) && !isDigit(b) {
				s.r.UnreadByte()
				break
			}
			buf = append(buf, b)
		}
		s.text = string(buf)
		if s.text == "end" {
			return tokEndSection
		}
		return tokString
	}

	return tokInvalid
}

// parseNumber reads the longest numeric prefix the way atof does: a lone
// "*" is -1, and text with no leading number, such as a stray "-", is 0.
func parseNumber(text string) float64 {
	if text == "*" {
		return -1
	}
	for end := len(text); end > 0; end-- {
		if v, err := strconv.ParseFloat(text[:end], 64); err == nil {
			return v
		}
	}
	return 0
}

// expectNumber reads a number on the current line.
func (s *scanner) expectNumber() (int, error) {
	if k := s.next(true); k != tokNumber {
		return 0, s.errorf("expected number, got %s", k)
	}
	return int(s.number), nil
}

// expectString reads a quoted string or bareword on the current line.
func (s *scanner) expectString() (string, error) {
	if k := s.next(true); k != tokString {
		return "", s.errorf("expected string, got %s", k)
	}
	return s.text, nil
}

// Field widths, excluding the terminating NUL of the wire layout.
const (
	maxNameLen    = 31
	maxAddressLen = 15
)

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ParseScript reads ServerList.dat records from r: code, "name",
// "address", port and SHOW or HIDE, one record per line. Duplicate codes
// keep the first record.
func ParseScript(r io.Reader, path string) ([]Entry, error) {
	s := newScanner(r, path)
	seen := make(map[uint16]bool)
	var entries []Entry

	for {
		k := s.next(false)
		if k == tokEOF || k == tokEndSection {
			return entries, nil
		}
		if k != tokNumber {
			return nil, s.errorf("expected server code, got %s", k)
		}

		e := Entry{ServerCode: uint16(int(s.number))}

		name, err := s.expectString()
		if err != nil {
			return nil, err
		}
		addr, err := s.expectString()
		if err != nil {
			return nil, err
		}
		port, err := s.expectNumber()
		if err != nil {
			return nil, err
		}
		show, err := s.expectString()
		if err != nil {
			return nil, err
		}

		e.ServerName = truncate(name, maxNameLen)
		e.ServerAddress = truncate(addr, maxAddressLen)
		e.ServerPort = uint16(port)
		e.Visible = show == "SHOW"

		if seen[e.ServerCode] {
			continue
		}
		seen[e.ServerCode] = true
		entries = append(entries, e)
	}
}

// DatSource loads the catalog from a ServerList.dat script.
type DatSource struct {
	Path string
}

// Load implements Source.
func (d DatSource) Load() ([]Entry, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open server list %s: %w", d.Path, err)
	}
	defer f.Close()
	return ParseScript(f, d.Path)
}

func (d DatSource) String() string { return "dat:" + d.Path }
