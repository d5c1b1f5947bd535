package mcpstdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Options configures a spawned MCP server subprocess.
type Options struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// stdioCaller implements Caller over a subprocess's stdin/stdout using
// newline-delimited JSON framing: each line is exactly one JSON-RPC message.
type stdioCaller struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan callResult
	pendMu  sync.Mutex
	writeMu sync.Mutex
	nextID  int64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex
}

type callResult struct {
	resp rpcResponse
	err  error
}

// newStdioCaller launches the target command, performs the MCP initialize
// handshake, and returns a Caller that keeps the session alive across
// invocations until Close.
func newStdioCaller(ctx context.Context, opts Options) (*stdioCaller, error) {
	if opts.Command == "" {
		return nil, errors.New("mcpstdio: command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &stdioCaller{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan callResult),
		closed:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr) //nolint:errcheck
	}
	if err := c.initialize(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *stdioCaller) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

func (c *stdioCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": json.RawMessage(req.Payload),
	}
	addTraceMeta(ctx, params)
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResponse{}, err
	}
	return normalizeToolResult(result)
}

func (c *stdioCaller) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *stdioCaller) initialize(ctx context.Context, opts Options) error {
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "pml"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	return c.call(initCtx, "initialize", payload, nil)
}

func (c *stdioCaller) call(ctx context.Context, method string, params, result any) error {
	id := c.next()
	key := normalizeID(id)
	ch := make(chan callResult, 1)
	c.pendMu.Lock()
	c.pending[key] = ch
	c.pendMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(key)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.callerError()
		}
		if result != nil && len(res.resp.Result) > 0 {
			return json.Unmarshal(res.resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(key)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

// writeMessage marshals req as a single line of JSON, per the spec's
// newline-delimited framing (no LSP-style Content-Length headers).
func (c *stdioCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(c.stdin, "\n")
	return err
}

func (c *stdioCaller) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID == nil {
			continue // notification, not a response to a pending call
		}
		key := normalizeID(resp.ID)
		c.pendMu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.pendMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.failPending(err)
}

func (c *stdioCaller) failPending(err error) {
	c.pendMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *stdioCaller) removePending(key string) {
	c.pendMu.Lock()
	delete(c.pending, key)
	c.pendMu.Unlock()
}

func (c *stdioCaller) next() int64 {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *stdioCaller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeMu.Unlock()
}

func (c *stdioCaller) closeError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeErr == nil {
		return errors.New("mcpstdio: caller closed")
	}
	return c.closeErr
}
