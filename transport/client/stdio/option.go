package stdio

import (
	"github.com/viant/gosh/runner"
	"github.com/viant/mcprpc"
	"github.com/viant/scy/cred/secret"
	cssh "golang.org/x/crypto/ssh"
)

// Option customises the stdio transport.
type Option func(*Transport)

// WithArguments sets the server command arguments.
func WithArguments(args ...string) Option {
	return func(t *Transport) {
		t.args = args
	}
}

// WithEnvironment adds an environment variable for the subprocess.
func WithEnvironment(key, value string) Option {
	return func(t *Transport) {
		if t.env == nil {
			t.env = map[string]string{}
		}
		t.env[key] = value
	}
}

// WithHost runs the command on a remote host over SSH.
func WithHost(host string) Option {
	return func(t *Transport) {
		t.host = host
	}
}

// WithSSHConfig sets an explicit SSH client config for the remote host.
func WithSSHConfig(config *cssh.ClientConfig) Option {
	return func(t *Transport) {
		t.sshConfig = config
	}
}

// WithSecret resolves SSH credentials from a secret resource.
func WithSecret(resource secret.Resource) Option {
	return func(t *Transport) {
		t.secret = resource
	}
}

// WithRunner injects a command runner, mostly for tests.
func WithRunner(aRunner runner.Runner) Option {
	return func(t *Transport) {
		t.runner = aRunner
	}
}

// WithLogger overrides the transport logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}
