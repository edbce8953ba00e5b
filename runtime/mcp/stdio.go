package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

type (
	// frame is one message read from a stdio stream.
	frame struct {
		body []byte
		// headers is set when the message used Content-Length framing.
		headers bool
		// err is a recoverable framing error reported to the client.
		err error
	}

	// frameWriter serializes responses on a stdio stream.
	frameWriter struct {
		mu sync.Mutex
		w  io.Writer
	}
)

// DefaultMaxMessageBytes bounds a single protocol message when no limit is
// configured.
const DefaultMaxMessageBytes = 1 << 20

var (
	errMessageTooLarge      = errors.New("message exceeds the maximum size")
	errMissingContentLength = errors.New("content-length header missing")
	errUnterminatedHeaders  = errors.New("header block must end with an empty line")

	headerPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:`)
)

// ServeStdio reads JSON-RPC messages from r and writes responses to w until r
// is exhausted or ctx is canceled. Each message is either framed with a
// Content-Length header or a single line of JSON; the framing is detected per
// message and the response uses the framing of its request. Requests are
// handled concurrently and share one session.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := NewConn(TransportStdio, "")
	out := &frameWriter{w: w}
	frames := make(chan frame)
	errc := make(chan error, 1)
	go func() {
		reader := bufio.NewReaderSize(r, 64<<10)
		for {
			f, err := readMessage(reader, maxBytes)
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stdio: %w", err)
		case f := <-frames:
			if f.err != nil {
				resp := s.reject(ctx, conn, JSONRPCInvalidRequest, f.err.Error())
				if err := out.write(f.headers, resp); err != nil {
					return fmt.Errorf("write stdio: %w", err)
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := s.Handle(ctx, conn, f.body)
				if resp == nil {
					return
				}
				if err := out.write(f.headers, resp); err != nil {
					s.tel.Logger.Error(ctx, "write stdio response", "err", err)
					cancel()
				}
			}()
		}
	}
}

func (fw *frameWriter) write(headers bool, body []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if headers {
		if _, err := fmt.Fprintf(fw.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
			return err
		}
		_, err := fw.w.Write(body)
		return err
	}
	_, err := fw.w.Write(append(body, '\n'))
	return err
}

// readMessage reads the next message. A first line shaped like a header
// ("Name: value") starts a header block terminated by an empty line and
// followed by a Content-Length body; any other line is a message on its own.
// Malformed messages are returned as frames carrying err so the caller can
// reply and keep reading.
func readMessage(r *bufio.Reader, maxBytes int64) (frame, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return frame{}, err
		}
		if !isSpace(b[0]) {
			break
		}
		_, _ = r.ReadByte()
	}
	line, err := readLine(r, maxBytes)
	if errors.Is(err, errMessageTooLarge) {
		return frame{err: err}, nil
	}
	if err != nil {
		return frame{}, err
	}
	if !headerPattern.Match(line) {
		return frame{body: line}, nil
	}
	return readFramed(r, line, maxBytes)
}

// readFramed reads the rest of the header block starting with first, then the
// body.
func readFramed(r *bufio.Reader, first []byte, maxBytes int64) (frame, error) {
	var (
		length = -1
		bad    error
	)
	for line := first; len(line) > 0; {
		name, value, _ := strings.Cut(string(line), ":")
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			value = strings.TrimSpace(value)
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				bad = fmt.Errorf("invalid content-length %q", value)
			} else {
				length = n
			}
		}
		if b, err := r.Peek(1); err == nil && (b[0] == '{' || b[0] == '[') {
			return frame{headers: true, err: errUnterminatedHeaders}, nil
		}
		next, err := readLine(r, maxBytes)
		if errors.Is(err, errMessageTooLarge) {
			return frame{headers: true, err: err}, nil
		}
		if err != nil {
			return frame{}, err
		}
		line = next
	}
	switch {
	case bad != nil:
		return frame{headers: true, err: bad}, nil
	case length < 0:
		return frame{headers: true, err: errMissingContentLength}, nil
	}
	if int64(length) > maxBytes {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return frame{}, err
		}
		return frame{headers: true, err: errMessageTooLarge}, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	return frame{body: buf, headers: true}, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// readLine reads one line of at most maxBytes bytes. Longer lines are
// consumed and reported with errMessageTooLarge.
func readLine(r *bufio.Reader, maxBytes int64) ([]byte, error) {
	var (
		buf      []byte
		tooLarge bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLarge {
			if int64(len(buf)+len(chunk)) > maxBytes+1 {
				tooLarge, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !(errors.Is(err, io.EOF) && len(buf) > 0) {
			if tooLarge && errors.Is(err, io.EOF) {
				return nil, errMessageTooLarge
			}
			return nil, err
		}
		break
	}
	if tooLarge {
		return nil, errMessageTooLarge
	}
	return bytes.TrimSpace(buf), nil
}

// reject returns an encoded error response for a message that could not be
// read.
func (s *Server) reject(ctx context.Context, conn *Conn, code int, msg string) []byte {
	start := s.now()
	e := s.newError(conn, code, ErrNameInvalidRequest, "invalid request", start)
	e.Data.Message = msg
	s.recordProtocolError(ctx, conn, "", e)
	b, _ := json.Marshal(&Response{JSONRPC: "2.0", ID: nullID, Error: e})
	return b
}
