// Package stdio implements the client transport that runs the server as a
// subprocess and speaks newline delimited JSON over its stdio. The process
// runs locally or on a remote host over SSH, with credentials resolved
// through secret resources.
package stdio

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	"github.com/viant/gosh/runner/ssh"
	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/base"
	"github.com/viant/scy/cred/secret"
	cssh "golang.org/x/crypto/ssh"
)

const sessionID = "stdio"

// Transport launches the server command and exchanges messages over its
// stdin and stdout. The transport closes when the process exits and the
// process dies when the transport closes.
type Transport struct {
	base.Endpoint
	command string
	args    []string
	env     map[string]string

	host      string
	secret    secret.Resource
	sshConfig *cssh.ClientConfig

	runner runner.Runner
	logger mcprpc.Logger

	mu      sync.Mutex
	sendMu  sync.Mutex
	started bool

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a transport for the given server command.
func New(command string, options ...Option) *Transport {
	t := &Transport{
		command: command,
		logger:  mcprpc.DefaultLogger,
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(t)
	}
	t.runCtx, t.runCancel = context.WithCancel(context.Background())
	return t
}

// Start launches the subprocess and returns once its pipes are wired.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("stdio transport already started")
	}
	if t.IsClosed() {
		return fmt.Errorf("stdio transport closed")
	}
	if err := t.ensureSSHConfig(ctx); err != nil {
		return err
	}
	if t.runner == nil {
		if t.sshConfig != nil {
			t.runner = ssh.New(t.host, t.sshConfig, runner.AsPipeline())
		} else {
			t.runner = local.New(runner.AsPipeline())
		}
	}
	t.started = true
	go t.run()
	return nil
}

// run drives the subprocess for the transport's lifetime; its exit closes
// the transport.
func (t *Transport) run() {
	command := t.command
	if len(t.args) > 0 {
		command = fmt.Sprintf("%s %s", t.command, strings.Join(t.args, " "))
	}
	_, code, err := t.runner.Run(t.runCtx, command, runner.WithEnvironment(t.env), runner.WithListener(t.listener()))
	if !t.IsClosed() {
		if err != nil {
			t.Fail(fmt.Errorf("command %q failed: %w", t.command, err))
		} else if code > 0 {
			t.Fail(fmt.Errorf("command %q exited with code %d", t.command, code))
		}
	}
	_ = t.Close()
}

// listener assembles stdout chunks into newline delimited messages.
func (t *Transport) listener() runner.Listener {
	buffer := &bytes.Buffer{}
	return func(stdout string, hasMore bool) {
		buffer.WriteString(stdout)
		for {
			line, err := buffer.ReadString('\n')
			if err != nil {
				// Partial line, keep it for the next chunk.
				buffer.Reset()
				buffer.WriteString(line)
				return
			}
			if line = strings.TrimSpace(line); line == "" {
				continue
			}
			t.dispatch([]byte(line))
		}
	}
}

func (t *Transport) dispatch(data []byte) {
	message, err := base.Decode(data)
	if err != nil {
		t.Fail(fmt.Errorf("failed to parse message: %w", err))
		return
	}
	t.Deliver(t.runCtx, message, &transport.Extra{SessionID: sessionID})
}

// Send writes one message and a trailing newline to the process stdin.
func (t *Transport) Send(ctx context.Context, message *mcprpc.Message, options *transport.SendOptions) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return fmt.Errorf("stdio transport not started")
	}
	if t.IsClosed() {
		return fmt.Errorf("stdio transport closed")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err = t.runner.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close terminates the subprocess and fires the close callback exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.MarkClosed()
		close(t.done)
		t.runCancel()
		if t.runner != nil {
			if err := t.runner.Close(); err != nil {
				t.logger.Errorf("failed to close runner: %v", err)
			}
		}
		t.NotifyClosed()
	})
	return nil
}

// Done exposes transport termination for select loops.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// ensureSSHConfig resolves the SSH client config from the secret resource
// when a remote host is requested without an explicit config.
func (t *Transport) ensureSSHConfig(ctx context.Context) error {
	if t.sshConfig != nil || t.host == "" {
		return nil
	}
	if t.secret == "" {
		return fmt.Errorf("ssh config is required for host %v", t.host)
	}
	secrets := secret.New()
	credential, err := secrets.GetCredentials(ctx, string(t.secret))
	if err != nil {
		return fmt.Errorf("failed to load ssh credentials: %w", err)
	}
	if t.sshConfig, err = credential.SSH.Config(ctx); err != nil {
		return fmt.Errorf("failed to build ssh config: %w", err)
	}
	return nil
}
