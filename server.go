package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/instrument"
	"github.com/richardartoul/storetrace/memo"
	"github.com/richardartoul/storetrace/record"
)

// Cmd represents a storetrace command type.
type Cmd string

const (
	CmdStore  = Cmd("store")
	CmdGet    = Cmd("get")
	CmdReplay = Cmd("replay")
	CmdFetch  = Cmd("fetch")
	CmdClose  = Cmd("close")
)

// Decoders accepted by get's As field.
const (
	AsRaw   = "raw"
	AsText  = "text"
	AsInt   = "int"
	AsFloat = "float"
)

// Request is one line of the serve protocol.
type Request struct {
	ID       int64
	Command  Cmd
	Value    any    `json:",omitempty"` // store: JSON string or number
	Bytes    []byte `json:",omitempty"` // store: binary value, base64 in JSON
	Key      string `json:",omitempty"` // get
	As       string `json:",omitempty"` // get: raw, text, int or float
	Identity string `json:",omitempty"` // replay, defaults to Cache.Store
	Resource string `json:",omitempty"` // fetch
}

// Response answers one Request.
type Response struct {
	ID            int64    `json:",omitempty"`
	Err           string   `json:",omitempty"`
	KnownCommands []Cmd    `json:",omitempty"`
	Key           string   `json:",omitempty"`
	Miss          bool     `json:",omitempty"`
	Value         any      `json:",omitempty"`
	Count         int64    `json:",omitempty"`
	Calls         []string `json:",omitempty"`
}

// Server answers JSON requests, one per line, against a record cache and a
// memoizer sharing one backend.
type Server struct {
	backend  backends.Backend
	cache    *record.Cache
	memoizer *memo.Memoizer
	scanner  *bufio.Scanner
	writer   *bufio.Writer
}

// NewServer creates a server reading requests from r and writing responses to w.
func NewServer(backend backends.Backend, cache *record.Cache, memoizer *memo.Memoizer, r io.Reader, w io.Writer) *Server {
	scanner := bufio.NewScanner(r)
	// Binary values arrive base64 encoded on one line.
	const maxScanTokenSize = 10 * 1024 * 1024
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	return &Server{
		backend:  backend,
		cache:    cache,
		memoizer: memoizer,
		scanner:  scanner,
		writer:   bufio.NewWriter(w),
	}
}

// SendResponse writes a response line.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return s.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdStore, CmdGet, CmdReplay, CmdFetch, CmdClose},
	})
}

// ReadRequest reads the next non-empty request line.
func (s *Server) ReadRequest() (*Request, error) {
	var line string
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	decoder := json.NewDecoder(strings.NewReader(line))
	decoder.UseNumber()
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// Handle executes a single request.
func (s *Server) Handle(ctx context.Context, req *Request) Response {
	resp := Response{ID: req.ID}

	switch req.Command {
	case CmdStore:
		value, err := requestValue(req)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		key, err := s.cache.Store(ctx, value)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Key = string(key)
		}

	case CmdGet:
		value, found, err := s.retrieve(ctx, record.Key(req.Key), req.As)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Miss = !found
			if found {
				resp.Value = value
			}
		}

	case CmdReplay:
		identity := req.Identity
		if identity == "" {
			identity = record.StoreIdentity
		}
		transcript, err := instrument.Replay(ctx, s.backend, identity)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Count = transcript.Count
			for _, c := range transcript.Calls {
				resp.Calls = append(resp.Calls, fmt.Sprintf("%s(*%s) -> %s", transcript.Identity, c.Args, c.Result))
			}
		}

	case CmdFetch:
		content, err := s.memoizer.Fetch(ctx, req.Resource)
		if err != nil {
			resp.Err = err.Error()
			break
		}
		resp.Value = content
		if resp.Count, err = s.memoizer.AccessCount(ctx, req.Resource); err != nil {
			resp.Err = err.Error()
		}

	case CmdClose:
		// Will exit after sending response

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return resp
}

func (s *Server) retrieve(ctx context.Context, key record.Key, as string) (any, bool, error) {
	switch as {
	case "", AsRaw:
		v, found, err := s.cache.Retrieve(ctx, key)
		return v, found, err
	case AsText:
		v, found, err := s.cache.RetrieveString(ctx, key)
		return v, found, err
	case AsInt:
		v, found, err := s.cache.RetrieveInt(ctx, key)
		return v, found, err
	case AsFloat:
		v, found, err := s.cache.RetrieveFloat(ctx, key)
		return v, found, err
	default:
		return nil, false, fmt.Errorf("unknown decoder %q", as)
	}
}

// requestValue picks the value to store. JSON numbers become int64 when
// integral and float64 otherwise.
func requestValue(req *Request) (any, error) {
	if req.Bytes != nil {
		return req.Bytes, nil
	}
	switch v := req.Value.(type) {
	case nil:
		return nil, errors.New("store needs a Value or Bytes")
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Float64()
	default:
		return v, nil
	}
}

// Run sends the capabilities line and serves requests until EOF or close.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := s.SendResponse(s.Handle(ctx, req)); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		if req.Command == CmdClose {
			break
		}
	}

	return nil
}
